// Package conversation folds the JSON event streams emitted by agent CLIs
// into a single structured conversation model. Each agent speaks a slightly
// different dialect of line-delimited JSON; the normalizer classifies every
// line into one of a small set of recognized shapes and builds an ordered
// message sequence from them, correlating tool invocations with their
// results by id.
package conversation

import (
	"time"
)

// Role identifies who produced a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SegmentType identifies the kind of content a segment carries.
type SegmentType string

const (
	SegmentText       SegmentType = "text"
	SegmentThinking   SegmentType = "thinking"
	SegmentToolCall   SegmentType = "tool_call"
	SegmentSystemInfo SegmentType = "system_info"
)

// ToolCallStatus tracks a tool invocation's lifecycle. A tool call starts
// pending and is upgraded exactly once when its result arrives.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall is the tool-invocation payload of a tool_call segment.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  string         `json:"input,omitempty"`
	Status ToolCallStatus `json:"status"`
	Result string         `json:"result,omitempty"`
}

// Segment is one ordered piece of a message: plain text, extended thinking,
// a tool invocation, or session information.
type Segment struct {
	Type     SegmentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	ToolCall *ToolCall   `json:"toolCall,omitempty"`
}

// Metadata carries per-message accounting extracted from the stream.
type Metadata struct {
	Agent        string  `json:"agent,omitempty"`
	Model        string  `json:"model,omitempty"`
	DurationMs   int     `json:"durationMs,omitempty"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	CostUSD      float64 `json:"costUSD,omitempty"`
}

// Message is one normalized conversation entry. Messages are append-only:
// once emitted they are never mutated, except that a tool_call segment's
// status and result are upgraded from pending exactly once.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Segments  []Segment `json:"segments"`
	Meta      Metadata  `json:"meta"`
}

// Text returns the concatenated text segments of the message, for callers
// that only need a plain rendering.
func (m *Message) Text() string {
	var out string
	for _, seg := range m.Segments {
		if seg.Type == SegmentText {
			out += seg.Text
		}
	}
	return out
}

// ToolCalls returns pointers to every tool_call segment's payload, in order.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for i := range m.Segments {
		if m.Segments[i].Type == SegmentToolCall && m.Segments[i].ToolCall != nil {
			calls = append(calls, m.Segments[i].ToolCall)
		}
	}
	return calls
}

// SessionInfo is the one-shot initialization payload an agent emits when it
// starts. It is held aside rather than stored among the regular messages.
type SessionInfo struct {
	SessionID string   `json:"sessionId"`
	Model     string   `json:"model,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}
