// Package server exposes the conductor HTTP API and SSE streams.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"conductor/internal/app"
	"conductor/internal/decompose"
	"conductor/internal/domain"
	"conductor/internal/repo"
)

// Config for the HTTP handler.
type Config struct {
	App      *app.App
	BasePath string
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"goal not found"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, message string) huma.StatusError {
	code := "internal"
	switch status {
	case http.StatusNotFound:
		code = "not_found"
	case http.StatusBadRequest:
		code = "bad_request"
	case http.StatusConflict:
		code = "conflict"
	case http.StatusUnprocessableEntity:
		code = "invalid"
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

// New returns the HTTP handler for the conductor API.
func New(cfg Config) http.Handler {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Conductor API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := &server{app: cfg.App}

	registerHealth(group)
	s.registerProjects(group)
	s.registerGoals(group)
	s.registerTasks(group)
	s.registerAgents(group)
	s.registerOperations(group)

	router.Get(basePath+"/events", s.handleGlobalStream)
	router.Get(basePath+"/agents/{id}/stream", s.handleAgentStream)
	router.Post(basePath+"/hooks/commit", s.handleCommitHook)

	return router
}

type server struct {
	app *app.App
}

func mapRepoErr(err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, what+" not found")
	}
	return err
}

func registerHealth(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		}
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status"`
			}
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ── Projects ──

func (s *server) registerProjects(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "create-project", Method: http.MethodPost, Path: "/projects", Summary: "Create a project",
	}, func(ctx context.Context, in *createProjectInput) (*projectOutput, error) {
		name := in.Body.DisplayName
		if name == "" {
			parts := strings.Split(strings.TrimRight(in.Body.Path, "/"), "/")
			name = parts[len(parts)-1]
		}
		now := nowRFC3339()
		p := domain.Project{
			ID:          uuid.New().String(),
			Path:        in.Body.Path,
			DisplayName: name,
			Settings:    in.Body.Settings,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.app.Repo.InsertProject(ctx, p); err != nil {
			return nil, err
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-projects", Method: http.MethodGet, Path: "/projects", Summary: "List projects",
	}, func(ctx context.Context, _ *struct{}) (*projectListOutput, error) {
		projects, err := s.app.Repo.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		return &projectListOutput{Body: projects}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-project", Method: http.MethodGet, Path: "/projects/{id}", Summary: "Get a project",
	}, func(ctx context.Context, in *idInput) (*projectOutput, error) {
		p, err := s.app.Repo.GetProject(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "project")
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "update-project", Method: http.MethodPut, Path: "/projects/{id}", Summary: "Update a project",
	}, func(ctx context.Context, in *updateProjectInput) (*projectOutput, error) {
		p, err := s.app.Repo.GetProject(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "project")
		}
		if in.Body.DisplayName != nil {
			p.DisplayName = *in.Body.DisplayName
		}
		if in.Body.SortOrder != nil {
			p.SortOrder = *in.Body.SortOrder
		}
		if in.Body.Settings != nil {
			p.Settings = *in.Body.Settings
		}
		if err := s.app.Repo.UpdateProject(ctx, p); err != nil {
			return nil, err
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "delete-project", Method: http.MethodDelete, Path: "/projects/{id}", Summary: "Delete a project",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *idInput) (*emptyOutput, error) {
		if err := s.app.Repo.DeleteProject(ctx, in.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "project not found")
			}
			return nil, newAPIError(http.StatusConflict, err.Error())
		}
		return &emptyOutput{}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-project-goals", Method: http.MethodGet, Path: "/projects/{id}/goals", Summary: "List a project's goals",
	}, func(ctx context.Context, in *idInput) (*goalListOutput, error) {
		goals, err := s.app.Repo.ListGoalsByProject(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		return &goalListOutput{Body: goals}, nil
	})
}

// ── Goals ──

func (s *server) registerGoals(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "create-goal", Method: http.MethodPost, Path: "/goals", Summary: "Create a goal",
	}, func(ctx context.Context, in *createGoalInput) (*goalOutput, error) {
		projectID := in.Body.ProjectID
		if projectID == "" {
			if in.Body.RepoPath == "" {
				return nil, newAPIError(http.StatusBadRequest, "project_id or repo_path required")
			}
			p, err := s.findOrCreateProject(ctx, in.Body.RepoPath)
			if err != nil {
				return nil, err
			}
			projectID = p.ID
		} else if _, err := s.app.Repo.GetProject(ctx, projectID); err != nil {
			return nil, mapRepoErr(err, "project")
		}
		name := in.Body.Name
		if name == "" {
			name = firstLine(in.Body.Description, 80)
		}
		now := nowRFC3339()
		g := domain.Goal{
			ID:          uuid.New().String(),
			ProjectID:   projectID,
			Name:        name,
			Description: in.Body.Description,
			Status:      domain.GoalActive,
			Settings:    in.Body.Settings,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.app.Repo.InsertGoal(ctx, g); err != nil {
			return nil, err
		}
		g, err := s.app.Repo.GetGoal(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		return &goalOutput{Body: g}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-goals", Method: http.MethodGet, Path: "/goals", Summary: "List goals",
	}, func(ctx context.Context, in *goalListInput) (*goalListOutput, error) {
		goals, err := s.app.Repo.ListGoals(ctx, in.IncludeArchived)
		if err != nil {
			return nil, err
		}
		return &goalListOutput{Body: goals}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-goal", Method: http.MethodGet, Path: "/goals/{id}", Summary: "Get a goal",
	}, func(ctx context.Context, in *idInput) (*goalOutput, error) {
		g, err := s.app.Repo.GetGoal(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "goal")
		}
		return &goalOutput{Body: g}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "update-goal", Method: http.MethodPut, Path: "/goals/{id}", Summary: "Update a goal",
	}, func(ctx context.Context, in *updateGoalInput) (*goalOutput, error) {
		g, err := s.app.Repo.GetGoal(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "goal")
		}
		if in.Body.Name != nil {
			g.Name = *in.Body.Name
		}
		if in.Body.Description != nil {
			g.Description = *in.Body.Description
		}
		if in.Body.Status != nil {
			g.Status = *in.Body.Status
		}
		if in.Body.Settings != nil {
			g.Settings = *in.Body.Settings
		}
		if err := s.app.Repo.UpdateGoal(ctx, g); err != nil {
			return nil, err
		}
		return &goalOutput{Body: g}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "goal-summary", Method: http.MethodGet, Path: "/goals/{id}/summary", Summary: "Goal task counts",
	}, func(ctx context.Context, in *idInput) (*goalSummaryOutput, error) {
		tasks, err := s.app.Repo.ListTasks(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		out := &goalSummaryOutput{}
		out.Body.Total = len(tasks)
		for _, t := range tasks {
			switch t.Status {
			case domain.TaskDone:
				out.Body.Done++
			case domain.TaskRunning, domain.TaskAssigned:
				out.Body.Running++
			case domain.TaskFailed:
				out.Body.Failed++
			case domain.TaskPending:
				out.Body.Pending++
			case domain.TaskBlocked:
				out.Body.Blocked++
			}
		}
		return out, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "decompose-goal", Method: http.MethodPost, Path: "/goals/{id}/decompose",
		Summary: "Decompose a goal into proposed tasks", DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, in *idInput) (*operationOutput, error) {
		g, err := s.app.Repo.GetGoal(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "goal")
		}
		op, err := s.app.Ops.Begin(ctx, domain.OpDecompose, g.ID)
		if err != nil {
			return nil, err
		}
		go s.runDecompose(g, op.ID)
		return &operationOutput{Body: op}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "dispatch-goal", Method: http.MethodPost, Path: "/goals/{id}/dispatch",
		Summary: "Dispatch all unblocked tasks", DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, in *idInput) (*operationOutput, error) {
		g, err := s.app.Repo.GetGoal(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "goal")
		}
		if g.Status != domain.GoalActive {
			return nil, newAPIError(http.StatusConflict, fmt.Sprintf("goal is %s; dispatch refused", g.Status))
		}
		op, err := s.app.Ops.Begin(ctx, domain.OpDispatch, g.ID)
		if err != nil {
			return nil, err
		}
		go s.runDispatch(g.ID, op.ID)
		return &operationOutput{Body: op}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "retry-failed", Method: http.MethodPost, Path: "/goals/{id}/retry-failed",
		Summary: "Reset all failed tasks to pending",
	}, func(ctx context.Context, in *idInput) (*retryFailedOutput, error) {
		count, err := s.app.Scheduler.RetryAllFailed(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		out := &retryFailedOutput{}
		out.Body.TasksReset = count
		return out, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "goal-chat", Method: http.MethodPost, Path: "/goals/{id}/chat",
		Summary: "Send a planning chat message", DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, in *chatInput) (*emptyOutput, error) {
		if _, err := s.app.Repo.GetGoal(ctx, in.ID); err != nil {
			return nil, mapRepoErr(err, "goal")
		}
		go func() {
			if err := s.app.Chat.Run(s.app.Ctx, in.ID, in.Body.Message); err != nil {
				logf("chat for goal %s: %v", in.ID, err)
			}
		}()
		return &emptyOutput{}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "goal-messages", Method: http.MethodGet, Path: "/goals/{id}/messages",
		Summary: "List planning messages",
	}, func(ctx context.Context, in *idInput) (*messagesOutput, error) {
		msgs, err := s.app.Repo.ListGoalMessages(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		return &messagesOutput{Body: msgs}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "stats", Method: http.MethodGet, Path: "/stats", Summary: "Fleet statistics",
	}, func(ctx context.Context, _ *struct{}) (*statsOutput, error) {
		out := &statsOutput{}
		projects, err := s.app.Repo.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		goals, err := s.app.Repo.ListGoals(ctx, true)
		if err != nil {
			return nil, err
		}
		runs, err := s.app.Repo.ListAgentRuns(ctx)
		if err != nil {
			return nil, err
		}
		out.Body.Projects = len(projects)
		out.Body.Goals = len(goals)
		for _, r := range runs {
			out.Body.TotalCostUSD += r.CostUSD
			if !r.Terminal() {
				out.Body.ActiveAgents++
			}
		}
		return out, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "cleanup", Method: http.MethodPost, Path: "/cleanup",
		Summary: "Sweep stale worktrees and reconcile lost agent runs",
	}, func(ctx context.Context, _ *struct{}) (*emptyOutput, error) {
		if err := s.app.Cleanup(ctx); err != nil {
			return nil, err
		}
		return &emptyOutput{}, nil
	})
}

func (s *server) findOrCreateProject(ctx context.Context, repoPath string) (domain.Project, error) {
	p, err := s.app.Repo.GetProjectByPath(ctx, repoPath)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	parts := strings.Split(strings.TrimRight(repoPath, "/"), "/")
	now := nowRFC3339()
	p = domain.Project{
		ID:          uuid.New().String(),
		Path:        repoPath,
		DisplayName: parts[len(parts)-1],
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.app.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// runDecompose executes the decomposition operation in the background,
// creating the proposed tasks on success.
func (s *server) runDecompose(goal domain.Goal, operationID string) {
	ctx := s.app.Ctx
	tracker := s.app.Ops
	proposed, err := s.app.Decompose.DecomposeWithProgress(ctx, goal.Description, goal.RepoPath, func(msg string) {
		tracker.Progress(ctx, operationID, msg)
	})
	if err != nil {
		tracker.Fail(ctx, operationID, err.Error())
		return
	}

	tasks, err := s.createProposedTasks(ctx, goal.ID, proposed)
	if err != nil {
		tracker.Fail(ctx, operationID, err.Error())
		return
	}
	if err := s.app.Scheduler.Register(ctx, goal.ID); err != nil {
		tracker.Fail(ctx, operationID, err.Error())
		return
	}
	tracker.Complete(ctx, operationID, tasks)
}

// createProposedTasks materializes proposal entries as tasks, resolving
// "__index_N" placeholder dependencies to the created ids.
func (s *server) createProposedTasks(ctx context.Context, goalID string, proposed []decompose.ProposedTask) ([]domain.Task, error) {
	ids := make([]string, len(proposed))
	for i := range proposed {
		ids[i] = uuid.New().String()
	}
	now := nowRFC3339()
	// Two passes: dependency placeholders may point forward in the proposal,
	// so every task row must exist before the edges are written.
	tasks := make([]domain.Task, 0, len(proposed))
	for i, p := range proposed {
		t := domain.Task{
			ID:          ids[i],
			GoalID:      goalID,
			Title:       p.Title,
			Description: p.Description,
			Status:      domain.TaskPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.app.Repo.InsertTask(ctx, t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	for i, p := range proposed {
		if len(p.DependsOn) == 0 {
			continue
		}
		var deps []string
		for _, placeholder := range p.DependsOn {
			var idx int
			if _, err := fmt.Sscanf(placeholder, "__index_%d", &idx); err != nil || idx < 0 || idx >= len(ids) {
				return nil, fmt.Errorf("invalid dependency reference %q", placeholder)
			}
			deps = append(deps, ids[idx])
		}
		tasks[i].DependsOn = deps
		if err := s.app.Repo.UpdateTask(ctx, tasks[i]); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// runDispatch executes a dispatch operation in the background.
func (s *server) runDispatch(goalID, operationID string) {
	ctx := s.app.Ctx
	tracker := s.app.Ops
	if err := s.app.Scheduler.Register(ctx, goalID); err != nil {
		tracker.Fail(ctx, operationID, err.Error())
		return
	}
	tracker.Progress(ctx, operationID, "Dispatching unblocked tasks")
	runs, err := s.app.Scheduler.DispatchAll(ctx, goalID)
	if err != nil {
		tracker.Fail(ctx, operationID, err.Error())
		return
	}
	tracker.Complete(ctx, operationID, map[string]any{"agents_spawned": len(runs)})
}

func firstLine(s string, max int) string {
	line := s
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		line = s[:i]
	}
	if len(line) > max {
		line = line[:max]
	}
	return line
}
