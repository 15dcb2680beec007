// Package hooks generates the agent hook configuration that reports commits
// back to the conductor server.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// headMarker records the last commit the hook reported, so the hook only
// fires when HEAD actually moved.
const headMarker = ".conductor-last-head"

// CommitCallback is the payload the hook posts to /api/hooks/commit.
type CommitCallback struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Branch  string `json:"branch"`
	Message string `json:"message"`
}

// commitHookCommand builds the shell command installed as a PostToolUse hook.
// After each Bash tool call it compares HEAD against the marker file and, when a
// new commit exists, posts branch and subject to the callback endpoint.
func commitHookCommand(port int, agentID string) string {
	endpoint := fmt.Sprintf("http://localhost:%d/api/hooks/commit", port)
	return fmt.Sprintf(
		`sh -c 'head=$(git rev-parse HEAD 2>/dev/null) || exit 0; [ "$head" = "$(cat %s 2>/dev/null)" ] && exit 0; echo "$head" > %s; branch=$(git rev-parse --abbrev-ref HEAD); msg=$(git log -1 --pretty=%%s | tr -d "\"\\\\"); curl -s -X POST %s -H "Content-Type: application/json" -d "{\"agent_id\":\"%s\",\"kind\":\"commit\",\"branch\":\"$branch\",\"message\":\"$msg\"}" > /dev/null'`,
		headMarker, headMarker, endpoint, agentID)
}

// GenerateConfig returns the agent settings document enabling the commit
// callback hook.
func GenerateConfig(port int, agentID string) map[string]any {
	return map[string]any{
		"hooks": map[string]any{
			"PostToolUse": []any{
				map[string]any{
					"matcher": "Bash",
					"hooks": []any{
						map[string]any{
							"type":    "command",
							"command": commitHookCommand(port, agentID),
						},
					},
				},
			},
		},
	}
}

// Install writes the hook configuration into the worktree's agent settings
// and seeds the HEAD marker so pre-existing commits are not reported.
func Install(worktreePath string, port int, agentID string) error {
	dir := filepath.Join(worktreePath, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(GenerateConfig(port, agentID), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o644); err != nil {
		return err
	}
	// Outside a git checkout there is no HEAD to seed.
	head, err := exec.Command("git", "-C", worktreePath, "rev-parse", "HEAD").Output()
	if err != nil {
		return nil
	}
	return os.WriteFile(filepath.Join(worktreePath, headMarker), head, 0o644)
}
