// Package supervisor owns the full lifecycle of one agent process per task:
// worktree acquire, spawn, stdout parsing, watchdog, drain and finalization.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/bus"
	"conductor/internal/domain"
	"conductor/internal/hooks"
	"conductor/internal/parser"
	"conductor/internal/repo"
	"conductor/internal/worktree"
)

// ErrAgentNotInteractive is returned by Nudge when the agent is not in a
// state that accepts stdin.
var ErrAgentNotInteractive = errors.New("agent is not interactive")

// ErrAgentNotFound is returned for unknown agent run ids.
var ErrAgentNotFound = errors.New("agent not found")

// stallKind is the synthetic event kind emitted by the watchdog.
const stallKind = "stall"

// Supervisor spawns and supervises agent processes. One Supervisor serves the
// whole process; each Start call runs one AgentRun to termination.
type Supervisor struct {
	Repo      repo.Repo
	Bus       *bus.Bus
	Worktrees *worktree.Manager

	// AgentBinary is the external agent executable, "claude" by default.
	AgentBinary string
	// HookPort is the server port the commit hook posts back to.
	HookPort int
	// OnTerminal is invoked exactly once per run after finalization, with
	// the final AgentRun. Wired to the scheduler at startup.
	OnTerminal func(run domain.AgentRun)
	// Lifetime bounds every supervised run; cancelling it drains all agents.
	// The per-call context passed to Start covers only the setup phase.
	Lifetime context.Context

	Now func() time.Time

	WatchdogInterval time.Duration
	StallAfter       time.Duration
	HardTimeout      time.Duration
	DrainGrace       time.Duration
	TermGrace        time.Duration
	KillGrace        time.Duration

	mu   sync.RWMutex
	live map[string]*proc
	wg   sync.WaitGroup
}

func New(r repo.Repo, b *bus.Bus, wt *worktree.Manager) *Supervisor {
	return &Supervisor{
		Repo:             r,
		Bus:              b,
		Worktrees:        wt,
		AgentBinary:      "claude",
		Lifetime:         context.Background(),
		Now:              time.Now,
		WatchdogInterval: 10 * time.Second,
		StallAfter:       10 * time.Minute,
		HardTimeout:      20 * time.Minute,
		DrainGrace:       2 * time.Second,
		TermGrace:        5 * time.Second,
		KillGrace:        5 * time.Second,
		live:             map[string]*proc{},
	}
}

type cmdKind int

const (
	cmdKill cmdKind = iota
	cmdNudge
	cmdCommit
	cmdSnapshot
)

type command struct {
	kind    cmdKind
	text    string
	branch  string
	message string
	reply   chan commandReply
}

type commandReply struct {
	run domain.AgentRun
	err error
}

// proc is the live state of one supervised agent. The run aggregate is owned
// exclusively by the controller goroutine; external callers go through the
// commands channel.
type proc struct {
	run    domain.AgentRun
	task   domain.Task
	goal   domain.Goal
	handle worktree.Handle
	origin string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	waitCh chan error

	events   chan parser.Event
	commands chan command
	// done closes at finalization; pending command senders unblock on it.
	done chan struct{}

	startedAt     time.Time
	lastActivity  time.Time
	commitSeen    bool
	errSeen       bool
	result        *parser.Event
	killRequested bool
	killNote      string

	// Malformed-line flood detection: more than malformedPerMinute within a
	// minute marks the stream corrupt and fails the run.
	malformedCount int
	malformedSince time.Time
	streamCorrupt  bool
}

// malformedPerMinute is the malformed-line threshold per minute before a
// stream is considered corrupt.
const malformedPerMinute = 10

// Start acquires a worktree, spawns the agent and begins supervision.
// The returned AgentRun is in status running on success. Acquire and spawn
// failures produce a terminal failed run (persisted, broadcast and reported
// through OnTerminal) plus a non-nil error.
func (s *Supervisor) Start(ctx context.Context, goal domain.Goal, task domain.Task, settings domain.ResolvedSettings, originBranch string) (domain.AgentRun, error) {
	now := s.Now().UTC()
	run := domain.AgentRun{
		ID:           uuid.New().String(),
		TaskID:       task.ID,
		GoalID:       goal.ID,
		Status:       domain.RunSpawning,
		Model:        settings.Model,
		MaxBudgetUSD: &settings.MaxBudgetUSD,
		StartedAt:    now.Format(time.RFC3339),
	}

	handle, err := s.Worktrees.Acquire(ctx, goal.RepoPath, task.Title)
	if err != nil {
		s.finishEarly(ctx, run, domain.FailAcquire, fmt.Sprintf("worktree acquire failed: %v", err))
		return run, fmt.Errorf("acquire worktree: %w", err)
	}
	run.WorktreePath = &handle.Path
	run.Branch = &handle.Branch

	if err := s.Repo.InsertAgentRun(ctx, run); err != nil {
		_ = s.Worktrees.Release(ctx, handle, worktree.Discard)
		return run, fmt.Errorf("persist agent run: %w", err)
	}
	s.Bus.PublishAgent(run.ID, bus.Message{Kind: bus.KindAgentUpdate, GoalID: run.GoalID, Payload: run})

	if s.HookPort > 0 {
		if err := hooks.Install(handle.Path, s.HookPort, run.ID); err != nil {
			log.Printf("supervisor: install hooks for %s: %v", run.ID, err)
		}
	}

	cmd := exec.Command(s.AgentBinary, buildArgv(task, settings, handle.Path)...)
	cmd.Dir = handle.Path
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return run, s.failSpawn(ctx, run, handle, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return run, s.failSpawn(ctx, run, handle, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return run, s.failSpawn(ctx, run, handle, err)
	}
	if err := cmd.Start(); err != nil {
		return run, s.failSpawn(ctx, run, handle, err)
	}

	run.Status = domain.RunRunning
	if err := s.Repo.UpdateAgentRun(ctx, run); err != nil {
		log.Printf("supervisor: mark running %s: %v", run.ID, err)
	}
	s.Bus.PublishAgent(run.ID, bus.Message{Kind: bus.KindAgentUpdate, GoalID: run.GoalID, Payload: run})

	p := &proc{
		run:          run,
		task:         task,
		goal:         goal,
		handle:       handle,
		origin:       originBranch,
		cmd:          cmd,
		stdin:        stdin,
		waitCh:       make(chan error, 1),
		events:       make(chan parser.Event, 64),
		commands:     make(chan command, 8),
		done:         make(chan struct{}),
		startedAt:    s.Now(),
		lastActivity: s.Now(),
	}

	s.mu.Lock()
	s.live[run.ID] = p
	s.mu.Unlock()

	// Reader subtask: stdout NDJSON plus stderr lines, merged into one
	// ordered-per-source event stream that closes once both pipes hit EOF.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		st := parser.NewStream(stdout)
		for {
			ev, ok := st.Next()
			if !ok {
				return
			}
			p.events <- ev
		}
	}()
	go func() {
		defer readers.Done()
		st := parser.NewStream(stderr)
		// stderr is plain text; every line arrives as malformed and is
		// re-labeled a synthetic error event.
		for {
			ev, ok := st.Next()
			if !ok {
				return
			}
			p.events <- parser.Event{Kind: parser.KindError, Summary: "stderr: " + ev.Summary, Raw: ev.Raw}
		}
	}()
	go func() {
		readers.Wait()
		close(p.events)
		p.waitCh <- cmd.Wait()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.controller(s.Lifetime, p)
	}()

	return run, nil
}

func buildArgv(task domain.Task, settings domain.ResolvedSettings, worktreePath string) []string {
	prompt := task.Title
	if task.Description != "" {
		prompt += "\n\n" + task.Description
	}
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--model", settings.Model,
	}
	if settings.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", settings.MaxTurns))
	}
	if settings.PermissionMode != "" {
		args = append(args, "--permission-mode", settings.PermissionMode)
	}
	if len(settings.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(settings.AllowedTools, ","))
	}
	if settings.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", settings.SystemPrompt)
	}
	return append(args, "--cwd", worktreePath)
}

// failSpawn finalizes a run whose process never started.
func (s *Supervisor) failSpawn(ctx context.Context, run domain.AgentRun, handle worktree.Handle, cause error) error {
	_ = s.Worktrees.Release(ctx, handle, worktree.Discard)
	kind := domain.FailSpawn
	run.Status = domain.RunFailed
	run.FailKind = &kind
	finished := s.Now().UTC().Format(time.RFC3339)
	run.FinishedAt = &finished
	if err := s.Repo.UpdateAgentRun(ctx, run); err != nil {
		log.Printf("supervisor: persist spawn failure %s: %v", run.ID, err)
	}
	s.Bus.PublishAgent(run.ID, bus.Message{Kind: bus.KindAgentUpdate, GoalID: run.GoalID, Payload: run})
	if s.OnTerminal != nil {
		s.OnTerminal(run)
	}
	return fmt.Errorf("spawn agent: %w", cause)
}

// finishEarly records a run that failed before it was ever persisted as live.
func (s *Supervisor) finishEarly(ctx context.Context, run domain.AgentRun, kind, summary string) {
	run.Status = domain.RunFailed
	run.FailKind = &kind
	finished := s.Now().UTC().Format(time.RFC3339)
	run.FinishedAt = &finished
	if err := s.Repo.InsertAgentRun(ctx, run); err != nil {
		log.Printf("supervisor: persist failed run %s: %v", run.ID, err)
	} else {
		if _, err := s.Repo.AppendAgentEvent(ctx, domain.AgentEvent{AgentRunID: run.ID, Kind: parser.KindError, Summary: summary}); err != nil {
			log.Printf("supervisor: append failure event %s: %v", run.ID, err)
		}
	}
	s.Bus.PublishAgent(run.ID, bus.Message{Kind: bus.KindAgentUpdate, GoalID: run.GoalID, Payload: run})
	if s.OnTerminal != nil {
		s.OnTerminal(run)
	}
}

// Kill initiates draining with terminal status killed. Killing an
// already-terminal run is a no-op returning success.
func (s *Supervisor) Kill(ctx context.Context, agentRunID string) error {
	p := s.lookup(agentRunID)
	if p == nil {
		run, err := s.Repo.GetAgentRun(ctx, agentRunID)
		if err != nil {
			return ErrAgentNotFound
		}
		if run.Terminal() {
			return nil
		}
		return ErrAgentNotFound
	}
	reply := make(chan commandReply, 1)
	select {
	case p.commands <- command{kind: cmdKill, reply: reply}:
	case <-p.done:
		return nil
	}
	select {
	case r := <-reply:
		return r.err
	case <-p.done:
		// Controller finalized before answering; the run is terminal.
		return nil
	}
}

// Nudge writes a user message to the agent's stdin when it is running or
// stalled.
func (s *Supervisor) Nudge(ctx context.Context, agentRunID, text string) error {
	p := s.lookup(agentRunID)
	if p == nil {
		if _, err := s.Repo.GetAgentRun(ctx, agentRunID); err != nil {
			return ErrAgentNotFound
		}
		return ErrAgentNotInteractive
	}
	reply := make(chan commandReply, 1)
	select {
	case p.commands <- command{kind: cmdNudge, text: text, reply: reply}:
	case <-p.done:
		return ErrAgentNotInteractive
	}
	select {
	case r := <-reply:
		return r.err
	case <-p.done:
		return ErrAgentNotInteractive
	}
}

// RecordCommit injects a commit callback (from the hook endpoint) as a
// synthetic event on the live run.
func (s *Supervisor) RecordCommit(agentRunID, branch, message string) error {
	p := s.lookup(agentRunID)
	if p == nil {
		return ErrAgentNotFound
	}
	select {
	case p.commands <- command{kind: cmdCommit, branch: branch, message: message}:
		return nil
	case <-p.done:
		return ErrAgentNotFound
	}
}

// Snapshot returns the current aggregate for a live run.
func (s *Supervisor) Snapshot(agentRunID string) (domain.AgentRun, bool) {
	p := s.lookup(agentRunID)
	if p == nil {
		return domain.AgentRun{}, false
	}
	reply := make(chan commandReply, 1)
	select {
	case p.commands <- command{kind: cmdSnapshot, reply: reply}:
	case <-p.done:
		return domain.AgentRun{}, false
	}
	select {
	case r := <-reply:
		return r.run, r.err == nil
	case <-p.done:
		return domain.AgentRun{}, false
	}
}

// LiveIDs lists the ids of currently supervised runs.
func (s *Supervisor) LiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every supervised run has reached Terminal. Callers cancel
// Lifetime first.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) lookup(id string) *proc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[id]
}
