// Package app assembles the process-wide singletons: database, event bus,
// worktree manager, supervisor, scheduler and operation tracker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"conductor/internal/bus"
	"conductor/internal/chat"
	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/decompose"
	"conductor/internal/domain"
	"conductor/internal/migrate"
	"conductor/internal/ops"
	"conductor/internal/repo"
	"conductor/internal/scheduler"
	"conductor/internal/supervisor"
	"conductor/internal/worktree"
)

type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Bus        *bus.Bus
	Worktrees  *worktree.Manager
	Supervisor *supervisor.Supervisor
	Scheduler  *scheduler.Scheduler
	Ops        *ops.Tracker
	Chat       chat.Runner
	Decompose  decompose.Runner

	cancel context.CancelFunc
	// Ctx is the lifetime of all supervised agents; Shutdown cancels it.
	Ctx context.Context
}

// Options overrides for New.
type Options struct {
	DBPath     string
	ConfigPath string
	Port       int
	// StagingRoot overrides both the config and the built-in default.
	StagingRoot string
}

// New opens the database, runs migrations, reconciles stale state and wires
// the core components together.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}

	conn, err := db.Open(db.Config{Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	stagingRoot := opts.StagingRoot
	if stagingRoot == "" {
		stagingRoot = cfg.Server.StagingRoot
	}
	if stagingRoot == "" {
		stagingRoot = worktree.DefaultStagingRoot()
	}
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		conn.Close()
		return nil, fmt.Errorf("staging root unwritable: %w", err)
	}

	r := repo.Repo{DB: conn}
	b := bus.New()
	wt := worktree.NewManager(stagingRoot)

	ctx, cancel := context.WithCancel(context.Background())

	sup := supervisor.New(r, b, wt)
	sup.AgentBinary = cfg.Agent.Binary
	sup.HookPort = cfg.Server.Port
	sup.Lifetime = ctx

	sched := scheduler.New(r, b, sup)
	sched.OriginBranch = cfg.Server.OriginBranch
	sched.MaxConcurrent = cfg.Server.MaxConcurrent
	sched.Base = cfg.BaseSettings()

	// The supervisor notifies the scheduler through a plain callback; neither
	// holds a reference into the other's state. The callback runs off the
	// controller goroutine so a failing Start cannot deadlock a dispatch
	// holding the goal lock.
	sup.OnTerminal = func(run domain.AgentRun) {
		go sched.OnAgentTerminal(context.Background(), run)
	}

	tracker := ops.New(r, b)

	a := &App{
		Config:     cfg,
		DB:         conn,
		Repo:       r,
		Bus:        b,
		Worktrees:  wt,
		Supervisor: sup,
		Scheduler:  sched,
		Ops:        tracker,
		Chat:       chat.Runner{Repo: r, Bus: b, AgentBinary: cfg.Agent.Binary},
		Decompose:  decompose.Runner{AgentBinary: cfg.Agent.Binary},
		cancel:     cancel,
		Ctx:        ctx,
	}

	if err := a.reconcile(ctx); err != nil {
		log.Printf("app: startup reconcile: %v", err)
	}
	return a, nil
}

// reconcile marks runs that no supervisor of this process is driving as
// failed/lost, fails their tasks and sweeps worktrees not held by a supervised
// run. No orphaned child is adopted.
func (a *App) reconcile(ctx context.Context) error {
	stale, err := a.Repo.ListLiveAgentRuns(ctx)
	if err != nil {
		return err
	}
	live := map[string]bool{}
	for _, id := range a.Supervisor.LiveIDs() {
		live[id] = true
	}
	var activeWorktrees []string
	for _, run := range stale {
		if live[run.ID] {
			// Sweep recognizes a worktree by the 8-hex suffix of its directory.
			if run.WorktreePath != nil {
				name := filepath.Base(*run.WorktreePath)
				activeWorktrees = append(activeWorktrees, name[strings.LastIndex(name, "-")+1:])
			}
			continue
		}
		log.Printf("app: reconciling lost agent run %s (was %s)", run.ID, run.Status)
		if err := a.Repo.MarkAgentRunLost(ctx, run.ID); err != nil {
			log.Printf("app: mark run %s lost: %v", run.ID, err)
			continue
		}
		if err := a.Repo.UpdateTaskStatus(ctx, run.TaskID, domain.TaskFailed); err != nil && err != repo.ErrNotFound {
			log.Printf("app: fail task %s for lost run: %v", run.TaskID, err)
		}
	}

	projects, err := a.Repo.ListProjects(ctx)
	if err != nil {
		return err
	}
	var repoPaths []string
	for _, p := range projects {
		repoPaths = append(repoPaths, p.Path)
	}
	if _, err := a.Worktrees.Sweep(ctx, repoPaths, activeWorktrees); err != nil {
		return err
	}
	return nil
}

// Cleanup runs the reconcile pass on demand (the CLI cleanup command).
func (a *App) Cleanup(ctx context.Context) error {
	return a.reconcile(ctx)
}

// Shutdown cancels all supervisors, waits for them to reach Terminal and
// closes the database. No child process is leaked.
func (a *App) Shutdown() {
	a.cancel()
	a.Supervisor.Wait()
	if err := a.DB.Close(); err != nil {
		log.Printf("app: close db: %v", err)
	}
}
