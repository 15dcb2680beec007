// Package chat runs the goal planning conversation: one agent call per user
// turn, streamed to the bus and persisted as goal messages.
package chat

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/internal/bus"
	"conductor/internal/domain"
	"conductor/internal/parser"
	"conductor/internal/repo"
)

// historyWindow bounds how many prior messages are replayed as context.
const historyWindow = 20

type Runner struct {
	Repo        repo.Repo
	Bus         *bus.Bus
	AgentBinary string
	Now         func() time.Time
}

func (r Runner) binary() string {
	if r.AgentBinary == "" {
		return "claude"
	}
	return r.AgentBinary
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run saves the user message, spawns the agent in plan mode, streams chunks
// on the bus and saves the assistant reply.
func (r Runner) Run(ctx context.Context, goalID, message string) error {
	goal, err := r.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return err
	}

	if err := r.Repo.InsertGoalMessage(ctx, domain.GoalMessage{
		ID:        uuid.New().String(),
		GoalID:    goalID,
		Role:      "user",
		Content:   message,
		Kind:      "text",
		CreatedAt: r.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}

	history, err := r.Repo.ListGoalMessages(ctx, goalID)
	if err != nil {
		return err
	}
	prompt := buildPrompt(history, message)

	systemPrompt := fmt.Sprintf(
		"You are an AI assistant helping with the goal: %s\nDescription: %s\nRepository: %s\n\n"+
			"You are having a conversation about this goal. Help the user plan, understand, "+
			"and make decisions about this goal. Be concise and helpful.",
		goal.Name, goal.Description, goal.RepoPath)

	cmd := exec.CommandContext(ctx, r.binary(),
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", "3",
		"--append-system-prompt", systemPrompt,
		"--permission-mode", "plan",
		"--allowed-tools", "Read,Grep,Glob",
	)
	cmd.Dir = goal.RepoPath
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn agent for chat: %w", err)
	}

	var full strings.Builder
	st := parser.NewStream(stdout)
	for {
		ev, ok := st.Next()
		if !ok {
			break
		}
		switch ev.Kind {
		case parser.KindAssistantText:
			full.WriteString(ev.Text)
			r.Bus.Publish(bus.TopicGlobal, bus.Message{Kind: bus.KindChatChunk, GoalID: goalID, Delta: ev.Text})
		case parser.KindResult:
			if full.Len() == 0 && ev.ResultText != "" {
				full.WriteString(ev.ResultText)
				r.Bus.Publish(bus.TopicGlobal, bus.Message{Kind: bus.KindChatChunk, GoalID: goalID, Delta: ev.ResultText})
			}
		}
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("agent chat failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if full.Len() > 0 {
		if err := r.Repo.InsertGoalMessage(ctx, domain.GoalMessage{
			ID:        uuid.New().String(),
			GoalID:    goalID,
			Role:      "assistant",
			Content:   full.String(),
			Kind:      "text",
			CreatedAt: r.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	r.Bus.Publish(bus.TopicGlobal, bus.Message{Kind: bus.KindChatDone, GoalID: goalID})
	return nil
}

// buildPrompt replays recent conversation history ahead of the latest user
// message.
func buildPrompt(history []domain.GoalMessage, latest string) string {
	recent := history
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}
	var parts []string
	for _, m := range recent {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		parts = append(parts, m.Role+": "+m.Content)
	}
	// The latest user message was just persisted; drop it from the replay.
	if len(parts) > 0 {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return latest
	}
	return fmt.Sprintf("Previous conversation:\n%s\n\nUser's latest message: %s",
		strings.Join(parts, "\n\n"), latest)
}
