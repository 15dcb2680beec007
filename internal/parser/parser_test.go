package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolUseEvents(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		tool    string
		summary string
	}{
		{"read", `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"src/main.go"}}]}}`, "Read", "Reading src/main.go"},
		{"bash", `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}`, "Bash", "Running: go test ./..."},
		{"edit", `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"lib.go"}}]}}`, "Edit", "Editing lib.go"},
		{"write", `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"new.go"}}]}}`, "Write", "Writing new.go"},
		{"grep", `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Grep","input":{"pattern":"func main"}}]}}`, "Grep", "Searching for 'func main'"},
		{"glob", `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Glob","input":{"pattern":"**/*.go"}}]}}`, "Glob", "Finding files matching '**/*.go'"},
		{"unknown tool", `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"CustomTool","input":{}}]}}`, "CustomTool", "Using CustomTool"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := ParseLine(tc.line)
			assert.Equal(t, KindToolCall, ev.Kind)
			assert.Equal(t, tc.tool, ev.ToolName)
			assert.Equal(t, tc.summary, ev.Summary)
		})
	}
}

func TestParseToolInputMissingFields(t *testing.T) {
	assert.Equal(t, "Reading ?", summarizeToolInput("Read", map[string]any{}))
	assert.Equal(t, "Running: ?", summarizeToolInput("Bash", map[string]any{}))
	assert.Equal(t, "Searching for '?'", summarizeToolInput("Grep", map[string]any{}))
}

func TestParseLongBashCommandTruncated(t *testing.T) {
	cmd := strings.Repeat("a", 200)
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"` + cmd + `"}}]}}`
	ev := ParseLine(line)
	require.Equal(t, KindToolCall, ev.Kind)
	assert.LessOrEqual(t, len(ev.Summary), len("Running: ")+80+3)
	assert.Contains(t, ev.Summary, "...")
}

func TestParseAssistantText(t *testing.T) {
	ev := ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello world"}]}}`)
	assert.Equal(t, KindAssistantText, ev.Kind)
	assert.Equal(t, "Hello world", ev.Text)
}

func TestParseAssistantWithUsageStillParsesContent(t *testing.T) {
	line := `{"type":"assistant","message":{"model":"sonnet","role":"assistant","content":[{"type":"text","text":"Hello"}],"usage":{"input_tokens":100,"output_tokens":50}},"session_id":"sess-123"}`
	ev := ParseLine(line)
	assert.Equal(t, KindAssistantText, ev.Kind)
	assert.Equal(t, "Hello", ev.Text)
}

func TestParseEmptyAssistantTextIsOther(t *testing.T) {
	ev := ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":""}]}}`)
	assert.Equal(t, KindOther, ev.Kind)
}

func TestParseSystemInit(t *testing.T) {
	ev := ParseLine(`{"type":"system","subtype":"init","session_id":"sess-1","model":"sonnet"}`)
	assert.Equal(t, KindSystemInit, ev.Kind)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, "sonnet", ev.Model)
}

func TestParseResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"sess-123","result":"Task completed","total_cost_usd":0.42,"usage":{"input_tokens":100,"output_tokens":50}}`
	ev := ParseLine(line)
	assert.Equal(t, KindResult, ev.Kind)
	assert.Equal(t, "sess-123", ev.SessionID)
	assert.Equal(t, "Task completed", ev.ResultText)
	assert.InDelta(t, 0.42, ev.CostUSD, 1e-9)
	assert.Equal(t, int64(100), ev.InputTokens)
	assert.Equal(t, int64(50), ev.OutputTokens)
	assert.False(t, ev.IsError)
}

func TestParseResultMissingFields(t *testing.T) {
	ev := ParseLine(`{"type":"result"}`)
	assert.Equal(t, KindResult, ev.Kind)
	assert.Equal(t, "", ev.SessionID)
	assert.Zero(t, ev.CostUSD)
	assert.Zero(t, ev.InputTokens)
}

func TestParseResultErrorSubtype(t *testing.T) {
	ev := ParseLine(`{"type":"result","subtype":"error_max_turns","total_cost_usd":0.65}`)
	assert.Equal(t, KindResult, ev.Kind)
	assert.True(t, ev.IsError)
	assert.Equal(t, "error_max_turns", ev.Subtype)
}

func TestParseToolResult(t *testing.T) {
	ok := ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","is_error":false,"content":"test passed"}]}}`)
	assert.Equal(t, KindToolResult, ok.Kind)
	assert.True(t, ok.Success)
	assert.Equal(t, "[OK] test passed", ok.Summary)

	bad := ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","is_error":true,"content":"command failed"}]}}`)
	assert.Equal(t, KindToolResult, bad.Kind)
	assert.False(t, bad.Success)
	assert.Equal(t, "[ERROR] command failed", bad.Summary)
}

func TestParseToolResultLongOutputTruncated(t *testing.T) {
	long := strings.Repeat("x", 300)
	ev := ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","is_error":false,"content":"` + long + `"}]}}`)
	require.Equal(t, KindToolResult, ev.Kind)
	assert.LessOrEqual(t, len(ev.Summary), len("[OK] ")+200+3)
	assert.True(t, strings.HasSuffix(ev.Summary, "..."))
}

func TestParseError(t *testing.T) {
	ev := ParseLine(`{"type":"error","error":"Rate limit exceeded"}`)
	assert.Equal(t, KindError, ev.Kind)
	assert.Equal(t, "Rate limit exceeded", ev.Summary)

	ev = ParseLine(`{"type":"error","message":"Something went wrong"}`)
	assert.Equal(t, "Something went wrong", ev.Summary)
}

func TestParseCostDelta(t *testing.T) {
	ev := ParseLine(`{"type":"cost_delta","cost_usd":0.01,"input_tokens":120,"output_tokens":40}`)
	assert.Equal(t, KindCostDelta, ev.Kind)
	assert.InDelta(t, 0.01, ev.CostUSD, 1e-9)
	assert.Equal(t, int64(120), ev.InputTokens)
	assert.Equal(t, int64(40), ev.OutputTokens)
}

func TestParseCommit(t *testing.T) {
	ev := ParseLine(`{"type":"commit","branch":"conductor/add-readme-ab12cd34","message":"add readme"}`)
	assert.Equal(t, KindCommit, ev.Kind)
	assert.Equal(t, "conductor/add-readme-ab12cd34", ev.Branch)
	assert.Equal(t, "add readme", ev.Message)
}

func TestParseUnknownTypeIsOther(t *testing.T) {
	ev := ParseLine(`{"type":"content_block_delta","delta":{"text":"partial"}}`)
	assert.Equal(t, KindOther, ev.Kind)
	assert.NotEmpty(t, ev.Raw)
}

func TestParseMalformedLines(t *testing.T) {
	for _, line := range []string{"not json at all", "{}", `{"data":"no type"}`, "{broken"} {
		ev := ParseLine(line)
		assert.Equal(t, KindMalformedLine, ev.Kind, "line %q", line)
		assert.Equal(t, line, ev.Raw)
	}
}

func TestStreamPreservesOrderAndSurvivesMalformed(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s","model":"m"}`,
		`not json`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`,
	}, "\n") + "\n"
	st := NewStream(strings.NewReader(input))

	ev, ok := st.Next()
	require.True(t, ok)
	assert.Equal(t, KindSystemInit, ev.Kind)

	ev, ok = st.Next()
	require.True(t, ok)
	assert.Equal(t, KindMalformedLine, ev.Kind)

	ev, ok = st.Next()
	require.True(t, ok)
	assert.Equal(t, KindAssistantText, ev.Kind)

	_, ok = st.Next()
	assert.False(t, ok)
}

func TestStreamEmitsFinalPartialLine(t *testing.T) {
	input := `{"type":"error","error":"boom"}` + "\n" + `{"type":"result"`
	st := NewStream(strings.NewReader(input))

	ev, ok := st.Next()
	require.True(t, ok)
	assert.Equal(t, KindError, ev.Kind)

	ev, ok = st.Next()
	require.True(t, ok)
	assert.Equal(t, KindMalformedLine, ev.Kind)

	_, ok = st.Next()
	assert.False(t, ok)
}

func TestStreamSkipsBlankLines(t *testing.T) {
	input := "\n\n" + `{"type":"error","error":"x"}` + "\n\n"
	st := NewStream(strings.NewReader(input))
	ev, ok := st.Next()
	require.True(t, ok)
	assert.Equal(t, KindError, ev.Kind)
	_, ok = st.Next()
	assert.False(t, ok)
}

func TestSummaryRoundTrip(t *testing.T) {
	// Re-parsing the same well-formed sequence yields identical summaries.
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"s","model":"m"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"a.go"}}]}}`,
		`{"type":"result","subtype":"success","result":"done"}`,
	}
	var first, second []string
	for _, l := range lines {
		first = append(first, ParseLine(l).Summary)
	}
	for _, l := range lines {
		second = append(second, ParseLine(l).Summary)
	}
	assert.Equal(t, first, second)
}
