package conversation

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stravu/crystal-sub001/logger"
)

// Normalizer folds a time-ordered stream of raw agent entries into an
// ordered Message sequence. It works both live (Push per line as it
// arrives) and on stored transcripts (NormalizeStored), the difference
// being only whether tool results are seen before or after the tool calls
// they belong to.
type Normalizer struct {
	agent string
	log   *slog.Logger
	now   func() time.Time

	info        *SessionInfo
	toolResults map[string]ToolResult
	pending     map[string]*ToolCall
	messages    []Message
}

// NewNormalizer returns a Normalizer for one session's stream. The agent
// name is recorded in each emitted message's metadata.
func NewNormalizer(agent string) *Normalizer {
	return &Normalizer{
		agent:       agent,
		log:         logger.WithComponent("conversation"),
		now:         time.Now,
		toolResults: make(map[string]ToolResult),
		pending:     make(map[string]*ToolCall),
	}
}

// NormalizeStored folds a complete stored transcript. Tool results are
// collected in a first pass so tool-call segments can be resolved even when
// the stored order interleaves calls and results.
func NormalizeStored(agent string, lines []string) ([]Message, *SessionInfo) {
	n := NewNormalizer(agent)

	raws := make([]RawMessage, 0, len(lines))
	for _, line := range lines {
		raw := Classify(line)
		raws = append(raws, raw)
		if raw.Kind == KindToolResults {
			for _, res := range raw.Results {
				n.toolResults[res.ToolUseID] = res
			}
		}
	}

	for _, raw := range raws {
		n.apply(raw)
	}
	return n.Messages(), n.info
}

// Push folds one live stream line into the conversation.
func (n *Normalizer) Push(line string) {
	n.apply(Classify(line))
}

// SessionInfo returns the initialization payload, or nil if none has been
// seen yet.
func (n *Normalizer) SessionInfo() *SessionInfo {
	return n.info
}

// Messages returns the conversation so far, sorted ascending by timestamp.
// The sort is stable, so entries with equal timestamps keep arrival order.
func (n *Normalizer) Messages() []Message {
	out := make([]Message, len(n.messages))
	copy(out, n.messages)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (n *Normalizer) apply(raw RawMessage) {
	switch raw.Kind {
	case KindIgnored:

	case KindSessionInfo:
		// Filled once; later init entries (e.g. after an agent restart)
		// must not clobber the original session identity.
		if n.info == nil {
			n.info = raw.Info
		}

	case KindToolResults:
		for _, res := range raw.Results {
			n.toolResults[res.ToolUseID] = res
			if call, ok := n.pending[res.ToolUseID]; ok {
				n.resolveToolCall(call, res)
				delete(n.pending, res.ToolUseID)
			}
		}

	case KindText:
		n.emit(Message{
			ID:        uuid.NewString(),
			Role:      raw.Role,
			Timestamp: n.timestamp(raw),
			Segments:  []Segment{{Type: SegmentText, Text: raw.Text}},
			Meta:      n.metadata(raw),
		})

	case KindAssistantContent:
		n.emitAssistant(raw)

	case KindResult:
		// A successful terminal result carries no conversational content.
		if !raw.IsError {
			n.log.Debug("agent stream finished", "durationMs", raw.DurationMs)
			return
		}
		n.emit(Message{
			ID:        uuid.NewString(),
			Role:      RoleSystem,
			Timestamp: n.timestamp(raw),
			Segments:  []Segment{{Type: SegmentText, Text: raw.ResultText}},
			Meta: Metadata{
				Agent:      n.agent,
				DurationMs: raw.DurationMs,
				CostUSD:    raw.CostUSD,
			},
		})

	case KindUnparsed:
		n.log.Warn("unparseable agent stream entry", "entry", truncateForLog(raw.Text))
		n.emit(Message{
			ID:        uuid.NewString(),
			Role:      RoleSystem,
			Timestamp: n.timestamp(raw),
			Segments:  []Segment{{Type: SegmentText, Text: raw.Text}},
			Meta:      Metadata{Agent: n.agent},
		})
	}
}

// emitAssistant decomposes a mixed-content assistant entry into ordered
// text, thinking, and tool-call segments.
func (n *Normalizer) emitAssistant(raw RawMessage) {
	msg := Message{
		ID:        raw.ID,
		Role:      RoleAssistant,
		Timestamp: n.timestamp(raw),
		Meta:      n.metadata(raw),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	for _, block := range raw.Blocks {
		switch block.Type {
		case "text":
			msg.Segments = append(msg.Segments, Segment{Type: SegmentText, Text: block.Text})
		case "thinking":
			msg.Segments = append(msg.Segments, Segment{Type: SegmentThinking, Text: block.Thinking})
		case "tool_use":
			call := &ToolCall{
				ID:     block.ID,
				Name:   block.Name,
				Input:  summarizeToolInput(block.Name, block.Input),
				Status: ToolCallPending,
			}
			if res, ok := n.toolResults[call.ID]; ok {
				n.resolveToolCall(call, res)
			} else {
				n.pending[call.ID] = call
			}
			msg.Segments = append(msg.Segments, Segment{Type: SegmentToolCall, ToolCall: call})
		default:
			n.log.Debug("skipping unrecognized content block", "type", block.Type)
		}
	}

	n.emit(msg)
}

// resolveToolCall upgrades a pending tool call with its result. The upgrade
// happens exactly once; a duplicate result cannot flip a settled status.
func (n *Normalizer) resolveToolCall(call *ToolCall, res ToolResult) {
	if call.Status != ToolCallPending {
		return
	}
	call.Result = res.Content
	if res.IsError {
		call.Status = ToolCallError
	} else {
		call.Status = ToolCallSuccess
	}
}

func (n *Normalizer) emit(msg Message) {
	n.messages = append(n.messages, msg)
}

// timestamp uses the entry's own timestamp when the agent provided one,
// falling back to arrival time.
func (n *Normalizer) timestamp(raw RawMessage) time.Time {
	if !raw.Timestamp.IsZero() {
		return raw.Timestamp
	}
	return n.now()
}

func (n *Normalizer) metadata(raw RawMessage) Metadata {
	meta := Metadata{Agent: n.agent, Model: raw.Model}
	if raw.Usage != nil {
		meta.InputTokens = raw.Usage.InputTokens
		meta.OutputTokens = raw.Usage.OutputTokens
	}
	return meta
}

// toolInputField maps tool names to the input field that best summarizes
// the invocation for display.
var toolInputField = map[string]string{
	"Read":      "file_path",
	"Edit":      "file_path",
	"Write":     "file_path",
	"Glob":      "pattern",
	"Grep":      "pattern",
	"Bash":      "command",
	"Task":      "description",
	"WebFetch":  "url",
	"WebSearch": "query",
}

const maxToolInputLen = 80

// summarizeToolInput extracts a short human-readable description from a
// tool invocation's input payload.
func summarizeToolInput(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}

	if field, ok := toolInputField[toolName]; ok {
		if value, ok := fields[field].(string); ok {
			return truncate(value, maxToolInputLen)
		}
	}

	for _, v := range fields {
		if s, ok := v.(string); ok && s != "" {
			return truncate(s, maxToolInputLen)
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func truncateForLog(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
