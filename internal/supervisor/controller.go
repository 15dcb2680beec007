package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"syscall"
	"time"

	"conductor/internal/bus"
	"conductor/internal/domain"
	"conductor/internal/parser"
	"conductor/internal/worktree"
)

// controller is the per-run control loop. It is the single owner of the run
// aggregate: events, watchdog ticks and external commands are serialized
// here. It returns only after reader and process have terminated and the run
// is finalized.
func (s *Supervisor) controller(ctx context.Context, p *proc) {
	ticker := time.NewTicker(s.WatchdogInterval)
	defer ticker.Stop()

	running := true
	for running {
		select {
		case ev, ok := <-p.events:
			if !ok {
				running = false
				break
			}
			s.handleEvent(ctx, p, ev)
			if ev.Kind == parser.KindResult || p.killRequested || p.streamCorrupt {
				running = false
			}
		case cmd := <-p.commands:
			s.handleCommand(ctx, p, cmd)
			if p.killRequested {
				running = false
			}
		case <-ticker.C:
			s.watchdog(ctx, p)
			if p.killRequested {
				running = false
			}
		case <-ctx.Done():
			p.killRequested = true
			p.killNote = "shutdown"
			running = false
		}
	}

	s.drain(ctx, p)
	s.finalize(ctx, p)
}

// handleEvent applies one parsed event in the required order: persist,
// update aggregate, broadcast.
func (s *Supervisor) handleEvent(ctx context.Context, p *proc, ev parser.Event) {
	stored := s.persistEvent(ctx, p, ev)

	p.lastActivity = s.Now()
	now := s.Now().UTC().Format(time.RFC3339)
	p.run.LastActivityAt = &now

	statusChanged := false
	if p.run.Status == domain.RunStalled {
		p.run.Status = domain.RunRunning
		statusChanged = true
	}

	switch ev.Kind {
	case parser.KindSystemInit:
		if ev.SessionID != "" {
			p.run.SessionID = &ev.SessionID
		}
		if ev.Model != "" {
			p.run.Model = ev.Model
		}
		statusChanged = true
	case parser.KindCostDelta:
		p.run.CostUSD += ev.CostUSD
		p.run.InputTokens += ev.InputTokens
		p.run.OutputTokens += ev.OutputTokens
		statusChanged = true
	case parser.KindResult:
		resultEv := ev
		p.result = &resultEv
		if ev.SessionID != "" {
			p.run.SessionID = &ev.SessionID
		}
		if ev.CostUSD > p.run.CostUSD {
			p.run.CostUSD = ev.CostUSD
		}
		if ev.InputTokens > p.run.InputTokens {
			p.run.InputTokens = ev.InputTokens
		}
		if ev.OutputTokens > p.run.OutputTokens {
			p.run.OutputTokens = ev.OutputTokens
		}
		statusChanged = true
	case parser.KindCommit:
		p.commitSeen = true
	case parser.KindError:
		// stderr noise is recorded but only stream errors mark the run.
		if !strings.HasPrefix(ev.Summary, "stderr:") {
			p.errSeen = true
		}
	case parser.KindMalformedLine:
		if p.malformedSince.IsZero() || s.Now().Sub(p.malformedSince) > time.Minute {
			p.malformedSince = s.Now()
			p.malformedCount = 0
		}
		p.malformedCount++
		if p.malformedCount > malformedPerMinute {
			p.streamCorrupt = true
			p.errSeen = true
			s.appendSynthetic(ctx, p, parser.KindError, fmt.Sprintf("malformed output flood: %d unparseable lines within a minute", p.malformedCount))
		}
	}

	if err := s.Repo.UpdateAgentRun(ctx, p.run); err != nil {
		log.Printf("supervisor: update run %s: %v", p.run.ID, err)
	}
	s.Bus.PublishAgent(p.run.ID, bus.Message{Kind: bus.KindAgentEvent, GoalID: p.run.GoalID, Payload: stored})
	if statusChanged {
		s.Bus.PublishAgent(p.run.ID, bus.Message{Kind: bus.KindAgentUpdate, GoalID: p.run.GoalID, Payload: p.run})
	}

	// Budget enforcement: crossing the cap kills the run.
	if ev.Kind == parser.KindCostDelta && p.run.MaxBudgetUSD != nil && *p.run.MaxBudgetUSD > 0 && p.run.CostUSD >= *p.run.MaxBudgetUSD {
		p.killRequested = true
		p.killNote = fmt.Sprintf("budget exceeded: $%.4f >= $%.4f", p.run.CostUSD, *p.run.MaxBudgetUSD)
		s.appendSynthetic(ctx, p, parser.KindError, p.killNote)
	}
}

func (s *Supervisor) persistEvent(ctx context.Context, p *proc, ev parser.Event) domain.AgentEvent {
	rec := domain.AgentEvent{
		AgentRunID: p.run.ID,
		Kind:       ev.Kind,
		Summary:    ev.Summary,
	}
	if ev.ToolName != "" {
		tool := ev.ToolName
		rec.ToolName = &tool
	}
	if ev.Raw != "" {
		raw := ev.Raw
		rec.RawJSON = &raw
	}
	if ev.Kind == parser.KindCostDelta || (ev.Kind == parser.KindResult && ev.CostUSD > 0) {
		delta := ev.CostUSD
		rec.CostDeltaUSD = &delta
	}
	stored, err := s.Repo.AppendAgentEvent(ctx, rec)
	if err != nil {
		log.Printf("supervisor: append event for %s: %v", p.run.ID, err)
		return rec
	}
	return stored
}

func (s *Supervisor) appendSynthetic(ctx context.Context, p *proc, kind, summary string) {
	stored, err := s.Repo.AppendAgentEvent(ctx, domain.AgentEvent{AgentRunID: p.run.ID, Kind: kind, Summary: summary})
	if err != nil {
		log.Printf("supervisor: append synthetic event for %s: %v", p.run.ID, err)
		return
	}
	s.Bus.PublishAgent(p.run.ID, bus.Message{Kind: bus.KindAgentEvent, GoalID: p.run.GoalID, Payload: stored})
}

func (s *Supervisor) handleCommand(ctx context.Context, p *proc, cmd command) {
	switch cmd.kind {
	case cmdKill:
		p.killRequested = true
		p.killNote = "killed by user"
		if cmd.reply != nil {
			cmd.reply <- commandReply{run: p.run}
		}
	case cmdNudge:
		if p.run.Status != domain.RunRunning && p.run.Status != domain.RunStalled {
			if cmd.reply != nil {
				cmd.reply <- commandReply{err: ErrAgentNotInteractive}
			}
			return
		}
		payload, err := json.Marshal(map[string]string{"type": "user", "content": cmd.text})
		if err == nil {
			_, err = p.stdin.Write(append(payload, '\n'))
		}
		if cmd.reply != nil {
			cmd.reply <- commandReply{run: p.run, err: err}
		}
	case cmdCommit:
		ev := parser.Event{
			Kind:    parser.KindCommit,
			Branch:  cmd.branch,
			Message: cmd.message,
			Summary: fmt.Sprintf("Commit on %s: %s", cmd.branch, cmd.message),
		}
		s.handleEvent(ctx, p, ev)
	case cmdSnapshot:
		if cmd.reply != nil {
			cmd.reply <- commandReply{run: p.run}
		}
	}
}

// watchdog checks stall, hard timeout and leaves budget enforcement to the
// event path (cost only moves on events).
func (s *Supervisor) watchdog(ctx context.Context, p *proc) {
	now := s.Now()

	if now.Sub(p.startedAt) >= s.HardTimeout {
		p.killRequested = true
		p.killNote = fmt.Sprintf("hard timeout after %s", now.Sub(p.startedAt).Round(time.Second))
		s.appendSynthetic(ctx, p, parser.KindError, p.killNote)
		return
	}

	if p.run.Status == domain.RunRunning && now.Sub(p.lastActivity) >= s.StallAfter {
		p.run.Status = domain.RunStalled
		if err := s.Repo.UpdateAgentRun(ctx, p.run); err != nil {
			log.Printf("supervisor: mark stalled %s: %v", p.run.ID, err)
		}
		s.appendSynthetic(ctx, p, stallKind, fmt.Sprintf("no activity for %s", now.Sub(p.lastActivity).Round(time.Second)))
		s.Bus.PublishAgent(p.run.ID, bus.Message{Kind: bus.KindAgentUpdate, GoalID: p.run.GoalID, Payload: p.run})
	}
}

// drain is the ordered shutdown: flush the parser briefly, close stdin, then
// escalate SIGTERM and SIGKILL until the process exits and the reader stops.
func (s *Supervisor) drain(ctx context.Context, p *proc) {
	// Flush window: keep applying already-parsed events.
	flush := time.NewTimer(s.DrainGrace)
	defer flush.Stop()
flushLoop:
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				break flushLoop
			}
			s.handleEvent(ctx, p, ev)
		case <-flush.C:
			break flushLoop
		}
	}

	_ = p.stdin.Close()

	exited := func(wait time.Duration) bool {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		for {
			select {
			case ev, ok := <-p.events:
				if !ok {
					// Reader finished; the process has closed its pipes.
					select {
					case <-p.waitCh:
					case <-timer.C:
					}
					return true
				}
				_ = ev // past the drain deadline; discard
			case <-timer.C:
				return false
			}
		}
	}

	if exited(s.TermGrace) {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	if exited(s.KillGrace) {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	exited(s.KillGrace)
}

// finalize computes the terminal status, merges committed work, releases the
// worktree and reports the result.
func (s *Supervisor) finalize(ctx context.Context, p *proc) {
	var failKind string
	status := domain.RunFailed
	switch {
	case p.killRequested:
		status = domain.RunKilled
	case p.result != nil && !p.result.IsError && !p.errSeen:
		status = domain.RunDone
	}

	policy := worktree.Discard
	if status == domain.RunDone && p.commitSeen {
		mr, err := s.Worktrees.MergeInto(ctx, p.handle, p.origin)
		switch {
		case err != nil:
			status = domain.RunFailed
			failKind = domain.FailMergeConflict
			policy = worktree.KeepBranch
			s.appendSynthetic(ctx, p, parser.KindError, fmt.Sprintf("merge failed: %v", err))
		case len(mr.Conflicts) > 0:
			status = domain.RunFailed
			failKind = domain.FailMergeConflict
			policy = worktree.KeepBranch
			s.appendSynthetic(ctx, p, parser.KindError, fmt.Sprintf("merge conflicts in %d files", len(mr.Conflicts)))
		default:
			policy = worktree.KeepBranch
			s.appendSynthetic(ctx, p, "merge_completed", fmt.Sprintf("merged %s", p.handle.Branch))
		}
	}

	if err := s.Worktrees.Release(ctx, p.handle, policy); err != nil {
		log.Printf("supervisor: release worktree for %s: %v", p.run.ID, err)
	}

	p.run.Status = status
	if failKind != "" {
		p.run.FailKind = &failKind
	}
	finished := s.Now().UTC().Format(time.RFC3339)
	p.run.FinishedAt = &finished
	if err := s.Repo.UpdateAgentRun(ctx, p.run); err != nil {
		log.Printf("supervisor: persist terminal run %s: %v", p.run.ID, err)
	}

	s.mu.Lock()
	delete(s.live, p.run.ID)
	s.mu.Unlock()
	close(p.done)

	s.Bus.PublishAgent(p.run.ID, bus.Message{Kind: bus.KindAgentUpdate, GoalID: p.run.GoalID, Payload: p.run})
	if s.OnTerminal != nil {
		s.OnTerminal(p.run)
	}
}
