package worktree

import (
	"errors"
	"testing"
)

func TestResolve_NoPrefixReturnsTrimmedInput(t *testing.T) {
	inputs := []string{"bar", "  bar  ", "new-name", "@pinned"}
	for _, input := range inputs {
		got, err := Resolve("standalone", input)
		if err != nil {
			t.Fatalf("Resolve(standalone, %q): unexpected error %v", input, err)
		}
		want := "bar"
		if input == "new-name" {
			want = "new-name"
		}
		if input == "@pinned" {
			want = "@pinned"
		}
		if got != want {
			t.Errorf("Resolve(standalone, %q) = %q, want %q", input, got, want)
		}
	}
}

func TestResolve_PrefixDerivation(t *testing.T) {
	tests := []struct {
		name        string
		currentName string
		userInput   string
		want        string
	}{
		{"bare input inherits group", "feature/foo", "bar", "feature/bar"},
		{"full path no double prefix", "feature/foo", "feature/bar", "feature/bar"},
		{"slash in input taken verbatim", "feature/foo", "other/bar", "other/bar"},
		{"deep group prefix kept", "team/feature/foo", "bar", "team/feature/bar"},
		{"display slash on current ignored", "/feature/foo", "bar", "feature/bar"},
		{"whitespace trimmed", "feature/foo", "  bar\n", "feature/bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.currentName, tt.userInput)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.currentName, tt.userInput, got, tt.want)
			}
		})
	}
}

func TestResolve_ValidationFailures(t *testing.T) {
	tests := []struct {
		name        string
		currentName string
		userInput   string
		wantReason  Reason
	}{
		{"empty input", "feature/foo", "   ", ReasonEmptyInput},
		{"duplicate segments", "x", "a/a", ReasonDuplicateSegment},
		{"duplicate via prefix", "feature/foo", "feature", ReasonDuplicateSegment},
		{"adjacent annotated", "x", "@a/@b", ReasonAdjacentAnnotated},
		{"shadowed segment", "x", "a/@a", ReasonShadowedSegment},
		{"shadowed segment reversed", "x", "@a/a", ReasonShadowedSegment},
		{"trailing slash", "x", "a/b/", ReasonMalformedSlash},
		{"doubled slash", "x", "a//b", ReasonMalformedSlash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.currentName, tt.userInput)
			if err == nil {
				t.Fatalf("Resolve(%q, %q): expected error", tt.currentName, tt.userInput)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", verr.Reason, tt.wantReason)
			}
		})
	}
}

func TestResolve_DuplicateSegmentAlwaysFails(t *testing.T) {
	currents := []string{"foo", "feature/foo", "/a/b/c", "x"}
	for _, current := range currents {
		_, err := Resolve(current, "a/a")
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Reason != ReasonDuplicateSegment {
			t.Errorf("Resolve(%q, a/a): expected duplicate-segment failure, got %v", current, err)
		}
	}
}

func TestResolve_ErrorCarriesResolvedName(t *testing.T) {
	_, err := Resolve("feature/foo", "foo/foo")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Name != "foo/foo" {
		t.Errorf("error name = %q, want resolved name foo/foo", verr.Name)
	}
}
