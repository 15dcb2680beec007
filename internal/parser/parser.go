// Package parser turns the agent's stream-json stdout into typed events.
package parser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event kinds produced by the parser.
const (
	KindSystemInit    = "system_init"
	KindAssistantText = "assistant_text"
	KindToolCall      = "tool_call"
	KindToolResult    = "tool_result"
	KindCostDelta     = "cost_delta"
	KindCommit        = "commit"
	KindError         = "error"
	KindResult        = "result"
	KindMalformedLine = "malformed_line"
	KindOther         = "other"
)

// Event is one parsed line from the agent's output stream.
type Event struct {
	Kind     string
	ToolName string
	Summary  string
	Raw      string

	// system_init
	SessionID string
	Model     string

	// assistant_text
	Text string

	// cost_delta and result
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64

	// tool_result
	Success bool

	// result
	Subtype    string
	IsError    bool
	ResultText string

	// commit
	Branch  string
	Message string
}

// Stream lazily parses NDJSON lines from r. It never buffers across lines and
// preserves input order. A trailing partial line at EOF is emitted if
// non-empty.
type Stream struct {
	sc *bufio.Scanner
}

func NewStream(r io.Reader) *Stream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Stream{sc: sc}
}

// Next returns the next event, or false at end of input. Blank lines are
// skipped.
func (s *Stream) Next() (Event, bool) {
	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			continue
		}
		return ParseLine(line), true
	}
	return Event{}, false
}

// ParseLine parses a single line. Lines that are not valid JSON objects with a
// "type" field yield a malformed_line event carrying the original bytes; the
// stream is never aborted.
func ParseLine(line string) Event {
	var v map[string]any
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return Event{Kind: KindMalformedLine, Summary: truncate(line, 200), Raw: line}
	}
	kind, _ := v["type"].(string)
	if kind == "" {
		return Event{Kind: KindMalformedLine, Summary: truncate(line, 200), Raw: line}
	}

	switch kind {
	case "system":
		if sub, _ := v["subtype"].(string); sub == "init" {
			sessionID, _ := v["session_id"].(string)
			model, _ := v["model"].(string)
			return Event{
				Kind:      KindSystemInit,
				SessionID: sessionID,
				Model:     model,
				Summary:   fmt.Sprintf("Session started (model %s)", model),
				Raw:       line,
			}
		}
		return Event{Kind: KindOther, Summary: stringField(v, "message"), Raw: line}

	case "assistant":
		return parseAssistant(v, line)

	case "user":
		return parseUser(v, line)

	case "cost_delta":
		cost := floatField(v, "cost_usd")
		in := intField(v, "input_tokens")
		out := intField(v, "output_tokens")
		return Event{
			Kind:         KindCostDelta,
			CostUSD:      cost,
			InputTokens:  in,
			OutputTokens: out,
			Summary:      fmt.Sprintf("API call (in=%d, out=%d, $%.4f)", in, out, cost),
			Raw:          line,
		}

	case "commit":
		branch, _ := v["branch"].(string)
		message, _ := v["message"].(string)
		return Event{
			Kind:    KindCommit,
			Branch:  branch,
			Message: message,
			Summary: fmt.Sprintf("Commit on %s: %s", branch, truncate(message, 120)),
			Raw:     line,
		}

	case "error":
		msg := stringField(v, "error")
		if msg == "" {
			msg = stringField(v, "message")
		}
		if msg == "" {
			msg = "Unknown error"
		}
		return Event{Kind: KindError, Summary: msg, Raw: line}

	case "result":
		return parseResult(v, line)
	}

	return Event{Kind: KindOther, Summary: kind, Raw: line}
}

func parseAssistant(v map[string]any, line string) Event {
	msg, _ := v["message"].(map[string]any)
	content := msg["content"]
	switch c := content.(type) {
	case string:
		if c != "" {
			return Event{Kind: KindAssistantText, Text: c, Summary: truncate(c, 200), Raw: line}
		}
	case []any:
		for _, part := range c {
			block, ok := part.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "tool_use":
				name, _ := block["name"].(string)
				if name == "" {
					name = "unknown"
				}
				input, _ := block["input"].(map[string]any)
				return Event{
					Kind:     KindToolCall,
					ToolName: name,
					Summary:  summarizeToolInput(name, input),
					Raw:      line,
				}
			case "text":
				text, _ := block["text"].(string)
				if text != "" {
					return Event{Kind: KindAssistantText, Text: text, Summary: truncate(text, 200), Raw: line}
				}
			}
		}
	}
	return Event{Kind: KindOther, Summary: "assistant", Raw: line}
}

func parseUser(v map[string]any, line string) Event {
	msg, _ := v["message"].(map[string]any)
	blocks, _ := msg["content"].([]any)
	for _, part := range blocks {
		block, ok := part.(map[string]any)
		if !ok || block["type"] != "tool_result" {
			continue
		}
		isError, _ := block["is_error"].(bool)
		output := contentText(block["content"])
		status := "OK"
		if isError {
			status = "ERROR"
		}
		return Event{
			Kind:    KindToolResult,
			Success: !isError,
			Summary: fmt.Sprintf("[%s] %s", status, truncate(output, 200)),
			Raw:     line,
		}
	}
	return Event{Kind: KindOther, Summary: "user", Raw: line}
}

func parseResult(v map[string]any, line string) Event {
	subtype, _ := v["subtype"].(string)
	isError, _ := v["is_error"].(bool)
	sessionID, _ := v["session_id"].(string)
	resultText := stringField(v, "result")
	cost := floatField(v, "total_cost_usd")
	if cost == 0 {
		cost = floatField(v, "cost_usd")
	}
	var in, out int64
	if usage, ok := v["usage"].(map[string]any); ok {
		in = intField(usage, "input_tokens")
		out = intField(usage, "output_tokens")
	}
	summary := fmt.Sprintf("Completed: %s (in=%d, out=%d)", truncate(resultText, 200), in, out)
	if subtype != "" && subtype != "success" {
		summary = fmt.Sprintf("Result %s (in=%d, out=%d)", subtype, in, out)
	}
	return Event{
		Kind:         KindResult,
		Subtype:      subtype,
		IsError:      isError || strings.HasPrefix(subtype, "error"),
		SessionID:    sessionID,
		ResultText:   resultText,
		CostUSD:      cost,
		InputTokens:  in,
		OutputTokens: out,
		Summary:      summary,
		Raw:          line,
	}
}

// summarizeToolInput renders a short human description of a tool call.
func summarizeToolInput(toolName string, input map[string]any) string {
	get := func(key string) string {
		if s, ok := input[key].(string); ok && s != "" {
			return s
		}
		return "?"
	}
	switch toolName {
	case "Read":
		return "Reading " + get("file_path")
	case "Edit":
		return "Editing " + get("file_path")
	case "Write":
		return "Writing " + get("file_path")
	case "Bash":
		return "Running: " + truncate(get("command"), 80)
	case "Grep":
		return fmt.Sprintf("Searching for '%s'", get("pattern"))
	case "Glob":
		return fmt.Sprintf("Finding files matching '%s'", get("pattern"))
	default:
		return "Using " + toolName
	}
}

func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, p := range c {
			if block, ok := p.(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func stringField(v map[string]any, key string) string {
	s, _ := v[key].(string)
	return s
}

func floatField(v map[string]any, key string) float64 {
	f, _ := v[key].(float64)
	return f
}

func intField(v map[string]any, key string) int64 {
	if f, ok := v[key].(float64); ok {
		return int64(f)
	}
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
