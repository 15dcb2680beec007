package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/bus"
	"conductor/internal/db"
	"conductor/internal/domain"
	"conductor/internal/migrate"
	"conductor/internal/repo"
	"conductor/internal/scheduler"
)

// fakeRunner records dispatches and lets the test drive terminal outcomes.
type fakeRunner struct {
	mu      sync.Mutex
	repo    repo.Repo
	started []domain.AgentRun
	// failStart makes Start return an error for the named task titles.
	failStart map[string]bool
}

func (f *fakeRunner) Start(ctx context.Context, goal domain.Goal, task domain.Task, settings domain.ResolvedSettings, origin string) (domain.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart[task.Title] {
		return domain.AgentRun{}, assertFailErr{}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	run := domain.AgentRun{
		ID: uuid.New().String(), TaskID: task.ID, GoalID: goal.ID,
		Status: domain.RunRunning, Model: settings.Model, StartedAt: now,
	}
	if err := f.repo.InsertAgentRun(ctx, run); err != nil {
		return run, err
	}
	f.started = append(f.started, run)
	return run, nil
}

type assertFailErr struct{}

func (assertFailErr) Error() string { return "spawn refused by test" }

func (f *fakeRunner) startedTitles(t *testing.T, r repo.Repo) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var titles []string
	for _, run := range f.started {
		task, err := r.GetTask(context.Background(), run.TaskID)
		require.NoError(t, err)
		titles = append(titles, task.Title)
	}
	return titles
}

// finish simulates a supervisor reaching Terminal for a task's live run.
func finish(t *testing.T, r repo.Repo, s *scheduler.Scheduler, f *fakeRunner, taskID, runStatus string) {
	t.Helper()
	f.mu.Lock()
	var run *domain.AgentRun
	for i := range f.started {
		if f.started[i].TaskID == taskID && !f.started[i].Terminal() {
			run = &f.started[i]
			break
		}
	}
	f.mu.Unlock()
	require.NotNil(t, run, "no live run for task %s", taskID)

	ctx := context.Background()
	require.NoError(t, r.UpdateTaskStatus(ctx, taskID, domain.TaskRunning))
	run.Status = runStatus
	now := time.Now().UTC().Format(time.RFC3339)
	run.FinishedAt = &now
	require.NoError(t, r.UpdateAgentRun(ctx, *run))
	s.OnAgentTerminal(ctx, *run)
}

type env struct {
	Repo   repo.Repo
	Sched  *scheduler.Scheduler
	Runner *fakeRunner
	Goal   domain.Goal
	Ctx    context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}

	runner := &fakeRunner{repo: r, failStart: map[string]bool{}}
	s := scheduler.New(r, bus.New(), runner)

	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	p := domain.Project{ID: uuid.New().String(), Path: "/tmp/r", DisplayName: "r", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.InsertProject(ctx, p))
	g := domain.Goal{ID: uuid.New().String(), ProjectID: p.ID, Name: "G", Description: "D", Status: domain.GoalActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.InsertGoal(ctx, g))
	g, err = r.GetGoal(ctx, g.ID)
	require.NoError(t, err)

	return &env{Repo: r, Sched: s, Runner: runner, Goal: g, Ctx: ctx}
}

func (e *env) addTask(t *testing.T, title string, priority int, deps ...string) domain.Task {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	task := domain.Task{
		ID: uuid.New().String(), GoalID: e.Goal.ID, Title: title, Description: "d",
		Status: domain.TaskPending, Priority: priority, DependsOn: deps,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, e.Repo.InsertTask(context.Background(), task))
	return task
}

func (e *env) taskStatus(t *testing.T, id string) string {
	t.Helper()
	task, err := e.Repo.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestRegisterMarksBlockedTasks(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "t1", 0)
	t2 := e.addTask(t, "t2", 0, t1.ID)

	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))
	assert.Equal(t, domain.TaskPending, e.taskStatus(t, t1.ID))
	assert.Equal(t, domain.TaskBlocked, e.taskStatus(t, t2.ID))
}

func TestEmptyDependsOnIsImmediatelyPending(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "solo", 0)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))
	assert.Equal(t, domain.TaskPending, e.taskStatus(t, t1.ID))
}

func TestRegisterRejectsCycle(t *testing.T) {
	e := newEnv(t)
	// Insert a cycle behind the scheduler's back.
	id1, id2 := uuid.New().String(), uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, e.Repo.InsertTask(e.Ctx, domain.Task{ID: id1, GoalID: e.Goal.ID, Title: "a", Status: domain.TaskPending, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, e.Repo.InsertTask(e.Ctx, domain.Task{ID: id2, GoalID: e.Goal.ID, Title: "b", Status: domain.TaskPending, DependsOn: []string{id1}, CreatedAt: now, UpdatedAt: now}))
	task1, err := e.Repo.GetTask(e.Ctx, id1)
	require.NoError(t, err)
	task1.DependsOn = []string{id2}
	require.NoError(t, e.Repo.UpdateTask(e.Ctx, task1))

	assert.Error(t, e.Sched.Register(e.Ctx, e.Goal.ID))
}

func TestValidateNewTaskRejectsCrossGoalDep(t *testing.T) {
	e := newEnv(t)
	err := e.Sched.ValidateNewTask(e.Ctx, e.Goal.ID, uuid.New().String(), []string{"not-in-goal"})
	assert.Error(t, err)
}

func TestDispatchAllStartsOnlyUnblocked(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "t1", 0)
	t2 := e.addTask(t, "t2", 0, t1.ID)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))

	runs, err := e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, t1.ID, runs[0].TaskID)
	assert.Equal(t, domain.TaskRunning, e.taskStatus(t, t1.ID))
	assert.Equal(t, domain.TaskBlocked, e.taskStatus(t, t2.ID))
}

func TestDispatchOrderPriorityThenCreation(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	mk := func(title string, priority int, created time.Time) domain.Task {
		task := domain.Task{
			ID: uuid.New().String(), GoalID: e.Goal.ID, Title: title, Status: domain.TaskPending,
			Priority: priority,
			CreatedAt: created.Format(time.RFC3339), UpdatedAt: created.Format(time.RFC3339),
		}
		require.NoError(t, e.Repo.InsertTask(e.Ctx, task))
		return task
	}
	mk("low-old", 1, now.Add(-2*time.Hour))
	mk("high-new", 5, now.Add(-1*time.Hour))
	mk("high-old", 5, now.Add(-3*time.Hour))

	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))
	_, err := e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)

	titles := e.Runner.startedTitles(t, e.Repo)
	assert.Equal(t, []string{"high-old", "high-new", "low-old"}, titles)
}

func TestLinearDependencyChain(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "t1", 0)
	t2 := e.addTask(t, "t2", 0, t1.ID)
	t3 := e.addTask(t, "t3", 0, t2.ID)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))

	runs, err := e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1, "initial dispatch starts only t1")

	finish(t, e.Repo, e.Sched, e.Runner, t1.ID, domain.RunDone)
	assert.Equal(t, domain.TaskDone, e.taskStatus(t, t1.ID))
	assert.Equal(t, domain.TaskPending, e.taskStatus(t, t2.ID))

	runs, err = e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, t2.ID, runs[0].TaskID)

	finish(t, e.Repo, e.Sched, e.Runner, t2.ID, domain.RunDone)
	runs, err = e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, t3.ID, runs[0].TaskID)

	finish(t, e.Repo, e.Sched, e.Runner, t3.ID, domain.RunDone)
	goal, err := e.Repo.GetGoal(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GoalCompleted, goal.Status)
}

func TestDiamondWithFailureAndRetry(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "t1", 0)
	t2 := e.addTask(t, "t2", 0, t1.ID)
	t3 := e.addTask(t, "t3", 0, t1.ID)
	t4 := e.addTask(t, "t4", 0, t2.ID, t3.ID)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))

	_, err := e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	finish(t, e.Repo, e.Sched, e.Runner, t1.ID, domain.RunDone)

	_, err = e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	finish(t, e.Repo, e.Sched, e.Runner, t2.ID, domain.RunDone)
	finish(t, e.Repo, e.Sched, e.Runner, t3.ID, domain.RunFailed)

	assert.Equal(t, domain.TaskFailed, e.taskStatus(t, t3.ID))
	assert.Equal(t, domain.TaskBlocked, e.taskStatus(t, t4.ID), "t4 stays blocked behind the failed t3")

	_, err = e.Sched.Retry(e.Ctx, t3.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, e.taskStatus(t, t3.ID))

	finish(t, e.Repo, e.Sched, e.Runner, t3.ID, domain.RunDone)
	assert.Equal(t, domain.TaskPending, e.taskStatus(t, t4.ID))

	_, err = e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	finish(t, e.Repo, e.Sched, e.Runner, t4.ID, domain.RunDone)

	goal, err := e.Repo.GetGoal(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GoalCompleted, goal.Status)
}

func TestKilledRunFailsTask(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "t1", 0)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))
	_, err := e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)

	finish(t, e.Repo, e.Sched, e.Runner, t1.ID, domain.RunKilled)
	assert.Equal(t, domain.TaskFailed, e.taskStatus(t, t1.ID))
}

func TestDispatchRefusedForPausedGoal(t *testing.T) {
	e := newEnv(t)
	e.addTask(t, "t1", 0)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))
	require.NoError(t, e.Repo.UpdateGoalStatus(e.Ctx, e.Goal.ID, domain.GoalPaused))

	_, err := e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	assert.Error(t, err)
	assert.Empty(t, e.Runner.started)
}

func TestDispatchOneRefusals(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "t1", 0)
	t2 := e.addTask(t, "t2", 0, t1.ID)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))

	// Blocked task refused.
	_, err := e.Sched.DispatchOne(e.Ctx, t2.ID)
	assert.Error(t, err)

	// Running task refused.
	_, err = e.Sched.DispatchOne(e.Ctx, t1.ID)
	require.NoError(t, err)
	_, err = e.Sched.DispatchOne(e.Ctx, t1.ID)
	assert.Error(t, err)

	// Done task refused.
	finish(t, e.Repo, e.Sched, e.Runner, t1.ID, domain.RunDone)
	_, err = e.Sched.DispatchOne(e.Ctx, t1.ID)
	assert.Error(t, err)
}

func TestRetryRequiresFailedTask(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "t1", 0)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))

	_, err := e.Sched.Retry(e.Ctx, t1.ID)
	assert.Error(t, err, "retrying a pending task is rejected")
	assert.Equal(t, domain.TaskPending, e.taskStatus(t, t1.ID), "state untouched on rejection")
}

func TestRetryAllFailedIdempotent(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "t1", 0)
	t2 := e.addTask(t, "t2", 0)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))
	_, err := e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	finish(t, e.Repo, e.Sched, e.Runner, t1.ID, domain.RunFailed)
	finish(t, e.Repo, e.Sched, e.Runner, t2.ID, domain.RunFailed)

	count, err := e.Sched.RetryAllFailed(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = e.Sched.RetryAllFailed(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "second application without intervening dispatch resets nothing")
}

func TestPerGoalConcurrencyCapLeavesTasksPending(t *testing.T) {
	e := newEnv(t)
	e.Sched.MaxConcurrent = 1
	t1 := e.addTask(t, "t1", 5)
	t2 := e.addTask(t, "t2", 1)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))

	runs, err := e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, t1.ID, runs[0].TaskID)
	assert.Equal(t, domain.TaskPending, e.taskStatus(t, t2.ID), "capped tasks stay pending, not assigned")
}

func TestGoalNotCompletedWhileTasksFailed(t *testing.T) {
	e := newEnv(t)
	t1 := e.addTask(t, "t1", 0)
	require.NoError(t, e.Sched.Register(e.Ctx, e.Goal.ID))
	_, err := e.Sched.DispatchAll(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	finish(t, e.Repo, e.Sched, e.Runner, t1.ID, domain.RunFailed)

	goal, err := e.Repo.GetGoal(e.Ctx, e.Goal.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GoalActive, goal.Status)
}
