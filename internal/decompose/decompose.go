// Package decompose turns a goal description into a proposed task list by
// driving the agent binary over the repository in read-only mode.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"conductor/internal/parser"
)

// ProposedTask is one entry of the decomposition proposal. DependsOn holds
// placeholder ids of the form "__index_N" (0-based indices into the same
// proposal) until the tasks are created and real ids assigned.
type ProposedTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"`
}

// IndexPlaceholder renders the placeholder dependency id for index i.
func IndexPlaceholder(i int) string {
	return fmt.Sprintf("__index_%d", i)
}

const promptTemplate = `You are a task decomposition engine. Analyze the codebase and break this goal into tasks.

Goal: %s

You MUST respond with ONLY a JSON object (no markdown, no explanation, no surrounding text).
The JSON must match this exact structure:

{"tasks": [
  {"title": "short imperative name", "description": "detailed requirements", "depends_on": []},
  {"title": "another task", "description": "details", "depends_on": [0]}
]}

Rules for decomposition:
- Maximize parallelism: tasks should be independent where possible
- Minimize file overlap: tasks touching the same files should depend on each other
- Include a test task for each implementation task
- Each task should be completable by a single agent in one session
- Be specific about files, functions, and expected behavior in each description
- depends_on uses 0-based indices into this same array

Output ONLY the JSON object. No other text.`

// Runner spawns the agent for decomposition. AgentBinary defaults to
// "claude"; Progress receives human-readable updates while the agent
// explores the repository.
type Runner struct {
	AgentBinary string
	Progress    func(message string)
}

func (r Runner) binary() string {
	if r.AgentBinary == "" {
		return "claude"
	}
	return r.AgentBinary
}

func (r Runner) progress(msg string) {
	if r.Progress != nil && msg != "" {
		r.Progress(msg)
	}
}

// DecomposeWithProgress runs Decompose with a per-call progress sink.
func (r Runner) DecomposeWithProgress(ctx context.Context, description, repoPath string, progress func(string)) ([]ProposedTask, error) {
	r.Progress = progress
	return r.Decompose(ctx, description, repoPath)
}

// Decompose runs the agent against repoPath and returns the proposed tasks.
func (r Runner) Decompose(ctx context.Context, description, repoPath string) ([]ProposedTask, error) {
	cmd := exec.CommandContext(ctx, r.binary(),
		"-p", fmt.Sprintf(promptTemplate, description),
		"--verbose",
		"--output-format", "stream-json",
		"--max-turns", "15",
		"--append-system-prompt", "IMPORTANT: Your final response MUST be ONLY a valid JSON object matching the provided schema. Do not include any markdown, explanation, or surrounding text. Output raw JSON only.",
		"--allowed-tools", "Read,Grep,Glob",
	)
	cmd.Dir = repoPath
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn agent for decomposition: %w", err)
	}

	var resultLine string
	st := parser.NewStream(stdout)
	for {
		ev, ok := st.Next()
		if !ok {
			break
		}
		switch ev.Kind {
		case parser.KindToolCall:
			if ev.ToolName == "StructuredOutput" {
				r.progress("Generating task decomposition...")
			} else {
				r.progress(ev.Summary)
			}
		case parser.KindAssistantText:
			r.progress(truncate(ev.Text, 120))
		case parser.KindError:
			r.progress("Error: " + ev.Summary)
		case parser.KindResult:
			resultLine = ev.Raw
		}
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("agent decomposition failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if resultLine == "" {
		return nil, errors.New("no result event received from agent stream")
	}
	return ParseOutput(resultLine)
}

// ParseOutput extracts the proposed task list from the agent's final result
// line. The tasks payload may be the object itself, a JSON string in the
// "result" field, or JSON embedded in surrounding prose.
func ParseOutput(raw string) ([]ProposedTask, error) {
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parse decomposition output: %w", err)
	}

	if isErr, _ := v["is_error"].(bool); isErr {
		subtype, _ := v["subtype"].(string)
		return nil, fmt.Errorf("agent returned an error (subtype: %s)", orUnknown(subtype))
	}
	if subtype, _ := v["subtype"].(string); strings.HasPrefix(subtype, "error") {
		cost, _ := v["total_cost_usd"].(float64)
		turns, _ := v["num_turns"].(float64)
		return nil, fmt.Errorf("decomposition failed: %s (used %d turns, $%.2f)", subtype, int(turns), cost)
	}

	tasksValue, err := extractTasks(v)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(tasksValue)
	if err != nil {
		return nil, err
	}
	var rawTasks []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		DependsOn   []int  `json:"depends_on"`
	}
	if err := json.Unmarshal(data, &rawTasks); err != nil {
		return nil, fmt.Errorf("parse tasks array: %w", err)
	}

	tasks := make([]ProposedTask, 0, len(rawTasks))
	for _, rt := range rawTasks {
		t := ProposedTask{Title: rt.Title, Description: rt.Description, DependsOn: []string{}}
		for _, i := range rt.DependsOn {
			t.DependsOn = append(t.DependsOn, IndexPlaceholder(i))
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func extractTasks(v map[string]any) (any, error) {
	if tasks, ok := v["tasks"]; ok {
		return tasks, nil
	}
	resultField, ok := v["result"]
	if !ok {
		return nil, errors.New("no 'tasks' or 'result' field in decomposition output")
	}

	switch rf := resultField.(type) {
	case map[string]any:
		if tasks, ok := rf["tasks"]; ok {
			return tasks, nil
		}
		return nil, errors.New("result object has no 'tasks' key")
	case string:
		var inner any
		if err := json.Unmarshal([]byte(rf), &inner); err == nil {
			if obj, ok := inner.(map[string]any); ok {
				if tasks, ok := obj["tasks"]; ok {
					return tasks, nil
				}
			}
			if arr, ok := inner.([]any); ok {
				return arr, nil
			}
		}
		if tasks := scanEmbeddedTasks(rf); tasks != nil {
			return tasks, nil
		}
		return nil, fmt.Errorf("could not find tasks in result string: %s", truncate(rf, 500))
	}
	return nil, errors.New("unexpected 'result' field type")
}

// scanEmbeddedTasks finds a JSON object with a "tasks" key embedded in prose
// by matching balanced braces outside string literals.
func scanEmbeddedTasks(s string) any {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for j := i; j < len(s); j++ {
			c := s[j]
			if escaped {
				escaped = false
				continue
			}
			switch {
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case c == '{' && !inString:
				depth++
			case c == '}' && !inString:
				depth--
				if depth == 0 {
					var parsed map[string]any
					if err := json.Unmarshal([]byte(s[i:j+1]), &parsed); err == nil {
						if tasks, ok := parsed["tasks"]; ok {
							return tasks
						}
					}
					j = len(s)
				}
			}
		}
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
