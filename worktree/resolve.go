// Package worktree derives and validates worktree names.
//
// Worktree names are "/"-separated paths shown in the session tree. Renaming
// a worktree keeps it inside its current group unless the user types a path
// of their own, so "bar" typed on "feature/foo" resolves to "feature/bar".
package worktree

import (
	"fmt"
	"strings"
)

// Reason identifies why a resolved worktree name was rejected.
type Reason string

const (
	// ReasonEmptyInput means the user input was empty after trimming.
	ReasonEmptyInput Reason = "empty input"

	// ReasonDuplicateSegment means two adjacent path segments are identical.
	ReasonDuplicateSegment Reason = "adjacent duplicate segments"

	// ReasonAdjacentAnnotated means two adjacent segments are both "@"-prefixed.
	ReasonAdjacentAnnotated Reason = "adjacent @-prefixed segments"

	// ReasonShadowedSegment means two adjacent segments are equal once a
	// leading "@" is stripped from each.
	ReasonShadowedSegment Reason = "adjacent segments equal after stripping @"

	// ReasonMalformedSlash means the name has a leading, trailing, or doubled "/".
	ReasonMalformedSlash Reason = "leading, trailing, or doubled slash"

	// ReasonEmptySegment means splitting on "/" produced an empty segment.
	ReasonEmptySegment Reason = "empty path segment"
)

// ValidationError reports an invalid resolved worktree name.
// Name is the fully resolved name (after prefix derivation), not the raw input.
type ValidationError struct {
	Name   string
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid worktree name %q: %s", e.Name, e.Reason)
}

// Resolve derives a new worktree name from the current name and raw user
// input, then validates it. currentName may carry a leading "/" from the
// session tree display; it is ignored for prefix derivation.
//
// If the input contains no "/" and does not already start with the current
// name's group prefix, the prefix is prepended so the rename stays within
// the group. Otherwise the trimmed input is used verbatim.
//
// Pure and deterministic: no I/O, no clock, no global state.
func Resolve(currentName, userInput string) (string, error) {
	input := strings.TrimSpace(userInput)
	if input == "" {
		return "", &ValidationError{Name: input, Reason: ReasonEmptyInput}
	}

	current := strings.TrimPrefix(currentName, "/")

	// Prefix = everything up to and including the last "/" of the current
	// name; empty when the current name has no grouping.
	var prefix string
	if idx := strings.LastIndex(current, "/"); idx >= 0 {
		prefix = current[:idx+1]
	}

	resolved := input
	if !strings.Contains(input, "/") && !strings.HasPrefix(input, prefix) {
		resolved = prefix + input
	}

	if err := validate(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// validate applies the name rules in order; the first failure wins.
func validate(name string) error {
	segments := strings.Split(name, "/")

	for i := 1; i < len(segments); i++ {
		if segments[i] == segments[i-1] {
			return &ValidationError{Name: name, Reason: ReasonDuplicateSegment}
		}
	}

	for i := 1; i < len(segments); i++ {
		if strings.HasPrefix(segments[i], "@") && strings.HasPrefix(segments[i-1], "@") {
			return &ValidationError{Name: name, Reason: ReasonAdjacentAnnotated}
		}
	}

	for i := 1; i < len(segments); i++ {
		a := strings.TrimPrefix(segments[i-1], "@")
		b := strings.TrimPrefix(segments[i], "@")
		if a == b {
			return &ValidationError{Name: name, Reason: ReasonShadowedSegment}
		}
	}

	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return &ValidationError{Name: name, Reason: ReasonMalformedSlash}
	}

	for _, seg := range segments {
		if seg == "" {
			return &ValidationError{Name: name, Reason: ReasonEmptySegment}
		}
	}

	return nil
}
