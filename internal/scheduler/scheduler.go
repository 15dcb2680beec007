// Package scheduler holds the per-goal task DAG, maintains task states and
// dispatches unblocked tasks to agent supervisors.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"conductor/internal/bus"
	"conductor/internal/domain"
	"conductor/internal/repo"
)

// AgentRunner starts one supervised agent for a task. Implemented by the
// supervisor; the scheduler holds no back-reference to supervisor state.
type AgentRunner interface {
	Start(ctx context.Context, goal domain.Goal, task domain.Task, settings domain.ResolvedSettings, originBranch string) (domain.AgentRun, error)
}

// Scheduler serializes all mutations for one goal through a per-goal mutex;
// operations on different goals run in parallel. Persistence stays the source
// of truth for the DAG.
type Scheduler struct {
	Repo   repo.Repo
	Bus    *bus.Bus
	Runner AgentRunner

	// OriginBranch is passed to supervisors for merges; empty means the
	// repository's current branch.
	OriginBranch string
	// MaxConcurrent caps running agents per goal; 0 means unbounded.
	MaxConcurrent int
	// Base is the bottom layer of settings resolution.
	Base domain.ResolvedSettings

	Now func() time.Time

	mu    sync.Mutex
	goals map[string]*sync.Mutex
}

func New(r repo.Repo, b *bus.Bus, runner AgentRunner) *Scheduler {
	return &Scheduler{
		Repo:   r,
		Bus:    b,
		Runner: runner,
		Base:   domain.DefaultSettings(),
		Now:    time.Now,
		goals:  map[string]*sync.Mutex{},
	}
}

func (s *Scheduler) goalLock(goalID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.goals[goalID]
	if m == nil {
		m = &sync.Mutex{}
		s.goals[goalID] = m
	}
	return m
}

// ValidateNewTask rejects DAG violations before any state is mutated:
// dependency cycles and dependencies outside the task's goal.
func (s *Scheduler) ValidateNewTask(ctx context.Context, goalID, taskID string, dependsOn []string) error {
	tasks, err := s.Repo.ListTasks(ctx, goalID)
	if err != nil {
		return err
	}
	known := map[string][]string{}
	for _, t := range tasks {
		known[t.ID] = t.DependsOn
	}
	for _, dep := range dependsOn {
		if _, ok := known[dep]; !ok {
			return fmt.Errorf("dependency %s does not belong to goal %s", dep, goalID)
		}
	}
	if domain.HasCycle(taskID, dependsOn, known) {
		return errors.New("dependency cycle detected")
	}
	return nil
}

// Register loads a goal's tasks, verifies the DAG invariants and computes
// the initial status map: tasks with a non-done dependency become blocked,
// blocked tasks whose dependencies completed become pending. Statuses set by
// a supervisor (assigned/running/done/failed) are preserved.
func (s *Scheduler) Register(ctx context.Context, goalID string) error {
	lock := s.goalLock(goalID)
	lock.Lock()
	defer lock.Unlock()
	return s.recomputeLocked(ctx, goalID)
}

func (s *Scheduler) recomputeLocked(ctx context.Context, goalID string) error {
	tasks, err := s.Repo.ListTasks(ctx, goalID)
	if err != nil {
		return err
	}
	known := map[string][]string{}
	byID := map[string]domain.Task{}
	for _, t := range tasks {
		known[t.ID] = t.DependsOn
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := known[dep]; !ok {
				return fmt.Errorf("task %s depends on %s outside goal %s", t.ID, dep, goalID)
			}
		}
		if domain.HasCycle(t.ID, t.DependsOn, known) {
			return fmt.Errorf("dependency cycle through task %s", t.ID)
		}
	}
	for _, t := range tasks {
		if t.Status != domain.TaskPending && t.Status != domain.TaskBlocked {
			continue
		}
		blocked := false
		for _, dep := range t.DependsOn {
			if byID[dep].Status != domain.TaskDone {
				blocked = true
				break
			}
		}
		want := domain.TaskPending
		if blocked {
			want = domain.TaskBlocked
		}
		if t.Status != want {
			if err := s.setTaskStatus(ctx, t, want); err != nil {
				return err
			}
		}
	}
	return nil
}

// setTaskStatus persists a status change and broadcasts it.
func (s *Scheduler) setTaskStatus(ctx context.Context, t domain.Task, status string) error {
	if err := domain.ValidateTaskTransition(t.Status, status); err != nil {
		return err
	}
	if err := s.Repo.UpdateTaskStatus(ctx, t.ID, status); err != nil {
		return err
	}
	t.Status = status
	s.Bus.Publish(bus.TopicGlobal, bus.Message{
		Kind:    bus.KindTaskStateChange,
		GoalID:  t.GoalID,
		TaskID:  t.ID,
		Payload: t,
	})
	return nil
}

// RecomputeAfter re-evaluates blocked-ness for every task depending on
// taskID. Newly pending tasks become dispatch candidates on the next
// dispatch pass.
func (s *Scheduler) RecomputeAfter(ctx context.Context, goalID, taskID string) error {
	lock := s.goalLock(goalID)
	lock.Lock()
	defer lock.Unlock()
	return s.recomputeLocked(ctx, goalID)
}

// dispatchOrder sorts dispatch candidates: priority descending, creation time
// ascending, then id.
func dispatchOrder(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// DispatchAll starts an agent for every dispatchable pending task of an
// active goal and returns the runs started. Tasks beyond the concurrency cap
// stay pending.
func (s *Scheduler) DispatchAll(ctx context.Context, goalID string) ([]domain.AgentRun, error) {
	lock := s.goalLock(goalID)
	lock.Lock()
	defer lock.Unlock()

	goal, err := s.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if goal.Status != domain.GoalActive {
		return nil, fmt.Errorf("goal %s is %s; dispatch refused", goalID, goal.Status)
	}
	if err := s.recomputeLocked(ctx, goalID); err != nil {
		return nil, err
	}
	candidates, err := s.Repo.UnblockedTasks(ctx, goalID)
	if err != nil {
		return nil, err
	}
	dispatchOrder(candidates)

	budget := len(candidates)
	if s.MaxConcurrent > 0 {
		running, err := s.countActive(ctx, goalID)
		if err != nil {
			return nil, err
		}
		budget = s.MaxConcurrent - running
	}

	var started []domain.AgentRun
	for _, t := range candidates {
		if budget <= 0 {
			break
		}
		run, err := s.startTask(ctx, goal, t)
		if err != nil {
			log.Printf("scheduler: dispatch task %s: %v", t.ID, err)
			continue
		}
		started = append(started, run)
		budget--
	}
	return started, nil
}

func (s *Scheduler) countActive(ctx context.Context, goalID string) (int, error) {
	tasks, err := s.Repo.ListTasks(ctx, goalID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status == domain.TaskAssigned || t.Status == domain.TaskRunning {
			n++
		}
	}
	return n, nil
}

// DispatchOne dispatches a single task, refusing when it is done, running,
// blocked or already assigned, or when its goal is not active.
func (s *Scheduler) DispatchOne(ctx context.Context, taskID string) (domain.AgentRun, error) {
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.AgentRun{}, err
	}
	lock := s.goalLock(task.GoalID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the goal lock.
	task, err = s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.AgentRun{}, err
	}
	if task.Status != domain.TaskPending {
		return domain.AgentRun{}, fmt.Errorf("task %s is %s; dispatch refused", taskID, task.Status)
	}
	goal, err := s.Repo.GetGoal(ctx, task.GoalID)
	if err != nil {
		return domain.AgentRun{}, err
	}
	if goal.Status != domain.GoalActive {
		return domain.AgentRun{}, fmt.Errorf("goal %s is %s; dispatch refused", goal.ID, goal.Status)
	}
	return s.startTask(ctx, goal, task)
}

// startTask marks a task assigned, resolves its settings and hands off to a
// supervisor. Caller holds the goal lock.
func (s *Scheduler) startTask(ctx context.Context, goal domain.Goal, task domain.Task) (domain.AgentRun, error) {
	if err := s.setTaskStatus(ctx, task, domain.TaskAssigned); err != nil {
		return domain.AgentRun{}, err
	}
	task.Status = domain.TaskAssigned

	settings, err := s.resolveSettings(ctx, goal, task)
	if err != nil {
		return domain.AgentRun{}, err
	}

	run, err := s.Runner.Start(ctx, goal, task, settings, s.OriginBranch)
	if err != nil {
		// Terminal bookkeeping for acquire/spawn failures flows through
		// OnAgentTerminal; nothing more to do here.
		return run, err
	}
	if err := s.setTaskStatus(ctx, task, domain.TaskRunning); err != nil {
		log.Printf("scheduler: mark task %s running: %v", task.ID, err)
	}
	return run, nil
}

func (s *Scheduler) resolveSettings(ctx context.Context, goal domain.Goal, task domain.Task) (domain.ResolvedSettings, error) {
	project, err := s.Repo.GetProject(ctx, goal.ProjectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.ResolvedSettings{}, err
	}
	return domain.ResolveSettings(s.Base, project.Settings, goal.Settings, task.Settings), nil
}

// OnAgentTerminal maps a terminal AgentRun onto its task, recomputes
// downstream blocked-ness and completes the goal when nothing is left.
func (s *Scheduler) OnAgentTerminal(ctx context.Context, run domain.AgentRun) {
	task, err := s.Repo.GetTask(ctx, run.TaskID)
	if err != nil {
		log.Printf("scheduler: terminal agent %s for unknown task %s: %v", run.ID, run.TaskID, err)
		return
	}
	lock := s.goalLock(task.GoalID)
	lock.Lock()
	defer lock.Unlock()

	status := domain.TaskFailed
	if run.Status == domain.RunDone {
		status = domain.TaskDone
	}
	if err := s.setTaskStatus(ctx, task, status); err != nil {
		log.Printf("scheduler: task %s -> %s: %v", task.ID, status, err)
	}
	if err := s.recomputeLocked(ctx, task.GoalID); err != nil {
		log.Printf("scheduler: recompute goal %s: %v", task.GoalID, err)
	}
	if err := s.completeGoalIfDone(ctx, task.GoalID); err != nil {
		log.Printf("scheduler: complete goal %s: %v", task.GoalID, err)
	}
}

func (s *Scheduler) completeGoalIfDone(ctx context.Context, goalID string) error {
	tasks, err := s.Repo.ListTasks(ctx, goalID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskPending, domain.TaskAssigned, domain.TaskRunning, domain.TaskBlocked:
			return nil
		}
	}
	allDone := true
	for _, t := range tasks {
		if t.Status != domain.TaskDone {
			allDone = false
			break
		}
	}
	if !allDone {
		return nil
	}
	return s.Repo.UpdateGoalStatus(ctx, goalID, domain.GoalCompleted)
}

// Retry resets a failed task to pending and dispatches it.
func (s *Scheduler) Retry(ctx context.Context, taskID string) (domain.AgentRun, error) {
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.AgentRun{}, err
	}
	if task.Status != domain.TaskFailed {
		return domain.AgentRun{}, fmt.Errorf("task %s is %s; only failed tasks can be retried", taskID, task.Status)
	}
	lock := s.goalLock(task.GoalID)
	lock.Lock()
	if err := s.setTaskStatus(ctx, task, domain.TaskPending); err != nil {
		lock.Unlock()
		return domain.AgentRun{}, err
	}
	if err := s.recomputeLocked(ctx, task.GoalID); err != nil {
		lock.Unlock()
		return domain.AgentRun{}, err
	}
	lock.Unlock()
	return s.DispatchOne(ctx, taskID)
}

// RetryAllFailed resets every failed task of a goal to pending in one pass
// and returns the count. Applying it twice without an intervening dispatch
// resets nothing the second time.
func (s *Scheduler) RetryAllFailed(ctx context.Context, goalID string) (int, error) {
	lock := s.goalLock(goalID)
	lock.Lock()
	defer lock.Unlock()

	tasks, err := s.Repo.ListTasks(ctx, goalID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range tasks {
		if t.Status != domain.TaskFailed {
			continue
		}
		if err := s.setTaskStatus(ctx, t, domain.TaskPending); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		if err := s.recomputeLocked(ctx, goalID); err != nil {
			return count, err
		}
	}
	return count, nil
}
