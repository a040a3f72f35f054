package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind identifies the recognized shape of a raw agent stream entry. Agents
// emit loosely-typed nested JSON; classification happens once, here, so the
// normalizer can switch exhaustively instead of probing optional fields.
type Kind int

const (
	// KindUnparsed is the fallback for entries that are not well-formed.
	// They degrade to a plain-text message rather than aborting the stream.
	KindUnparsed Kind = iota

	// KindSessionInfo is the one-shot initialization entry.
	KindSessionInfo

	// KindToolResults is an entry composed solely of tool-result blocks.
	KindToolResults

	// KindText is an entry composed solely of text.
	KindText

	// KindAssistantContent is a mixed-content assistant entry with ordered
	// text, thinking, and tool-use blocks.
	KindAssistantContent

	// KindResult is the terminal result entry.
	KindResult

	// KindIgnored covers well-formed entries with no conversational content,
	// such as partial-message deltas and non-init system notices.
	KindIgnored
)

// ToolResult is one tool-invocation outcome extracted from a raw entry.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// RawMessage is one classified stream entry. Fields beyond Kind are
// populated per variant and consumed immediately by the Normalizer.
type RawMessage struct {
	Kind      Kind
	Timestamp time.Time

	// KindUnparsed and KindText
	Text string
	Role Role

	// KindSessionInfo
	Info *SessionInfo

	// KindToolResults
	Results []ToolResult

	// KindAssistantContent
	ID     string
	Blocks []contentBlock
	Model  string
	Usage  *usage

	// KindResult
	ResultText string
	IsError    bool
	DurationMs int
	CostUSD    float64
}

// rawEnvelope mirrors the superset of fields the supported agent CLIs put
// on a stream line. Unknown fields are ignored by encoding/json.
type rawEnvelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Timestamp string `json:"timestamp,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Cwd       string `json:"cwd,omitempty"`

	Tools []string `json:"tools,omitempty"`

	Message struct {
		ID      string         `json:"id,omitempty"`
		Role    string         `json:"role,omitempty"`
		Model   string         `json:"model,omitempty"`
		Content []contentBlock `json:"content"`
		Usage   *usage         `json:"usage,omitempty"`
	} `json:"message"`

	Result       string  `json:"result,omitempty"`
	Error        string  `json:"error,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	DurationMs   int     `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *usage  `json:"usage,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Classify parses one stream line and assigns it a Kind. It never fails:
// anything that does not parse or match a recognized shape comes back as
// KindUnparsed carrying the original text.
func Classify(line string) RawMessage {
	line = strings.TrimSpace(line)
	if line == "" {
		return RawMessage{Kind: KindIgnored}
	}

	var env rawEnvelope
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &env) != nil || env.Type == "" {
		return RawMessage{Kind: KindUnparsed, Text: line}
	}

	raw := RawMessage{Timestamp: parseTimestamp(env.Timestamp)}

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			raw.Kind = KindIgnored
			return raw
		}
		raw.Kind = KindSessionInfo
		raw.Info = &SessionInfo{
			SessionID: env.SessionID,
			Model:     firstNonEmpty(env.Model, env.Message.Model),
			Cwd:       env.Cwd,
			Tools:     env.Tools,
		}
		return raw

	case "user":
		if results := toolResultBlocks(env.Message.Content); results != nil {
			raw.Kind = KindToolResults
			raw.Results = results
			return raw
		}
		raw.Kind = KindText
		raw.Role = RoleUser
		raw.Text = textOfBlocks(env.Message.Content)
		return raw

	case "assistant":
		raw.ID = env.Message.ID
		raw.Model = env.Message.Model
		raw.Usage = env.Message.Usage
		if text, only := textOnly(env.Message.Content); only {
			raw.Kind = KindText
			raw.Role = RoleAssistant
			raw.Text = text
			return raw
		}
		raw.Kind = KindAssistantContent
		raw.Blocks = env.Message.Content
		return raw

	case "result":
		raw.Kind = KindResult
		raw.ResultText = firstNonEmpty(env.Result, env.Error)
		raw.IsError = env.IsError || (env.Subtype != "" && env.Subtype != "success")
		raw.DurationMs = env.DurationMs
		raw.CostUSD = env.TotalCostUSD
		return raw

	default:
		// stream_event deltas and other non-conversational entries.
		raw.Kind = KindIgnored
		return raw
	}
}

// toolResultBlocks returns the tool results when every block in the entry
// is a tool result, nil otherwise.
func toolResultBlocks(blocks []contentBlock) []ToolResult {
	if len(blocks) == 0 {
		return nil
	}
	results := make([]ToolResult, 0, len(blocks))
	for _, b := range blocks {
		if b.Type != "tool_result" && b.ToolUseID == "" {
			return nil
		}
		results = append(results, ToolResult{
			ToolUseID: b.ToolUseID,
			Content:   decodeResultContent(b.Content),
			IsError:   b.IsError,
		})
	}
	return results
}

// textOnly reports whether every block is a text block, concatenating them.
func textOnly(blocks []contentBlock) (string, bool) {
	if len(blocks) == 0 {
		return "", false
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type != "text" {
			return "", false
		}
		sb.WriteString(b.Text)
	}
	return sb.String(), true
}

func textOfBlocks(blocks []contentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// decodeResultContent renders a tool_result content field, which may be a
// plain string or an array of text blocks.
func decodeResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return textOfBlocks(blocks)
	}

	return string(raw)
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
