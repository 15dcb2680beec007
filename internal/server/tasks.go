package server

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"conductor/internal/domain"
)

func logf(format string, args ...any) {
	log.Printf("server: "+format, args...)
}

func (s *server) registerTasks(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "list-goal-tasks", Method: http.MethodGet, Path: "/goals/{id}/tasks", Summary: "List a goal's tasks",
	}, func(ctx context.Context, in *idInput) (*taskListOutput, error) {
		if _, err := s.app.Repo.GetGoal(ctx, in.ID); err != nil {
			return nil, mapRepoErr(err, "goal")
		}
		tasks, err := s.app.Repo.ListTasks(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		return &taskListOutput{Body: tasks}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "create-task", Method: http.MethodPost, Path: "/goals/{id}/tasks", Summary: "Create a task",
	}, func(ctx context.Context, in *createTaskInput) (*taskOutput, error) {
		if _, err := s.app.Repo.GetGoal(ctx, in.GoalID); err != nil {
			return nil, mapRepoErr(err, "goal")
		}
		id := uuid.New().String()
		if err := s.app.Scheduler.ValidateNewTask(ctx, in.GoalID, id, in.Body.DependsOn); err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, err.Error())
		}
		now := nowRFC3339()
		t := domain.Task{
			ID:          id,
			GoalID:      in.GoalID,
			Title:       in.Body.Title,
			Description: in.Body.Description,
			Status:      domain.TaskPending,
			Priority:    in.Body.Priority,
			DependsOn:   in.Body.DependsOn,
			Settings:    in.Body.Settings,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.app.Repo.InsertTask(ctx, t); err != nil {
			return nil, err
		}
		if err := s.app.Scheduler.Register(ctx, in.GoalID); err != nil {
			return nil, err
		}
		t, err := s.app.Repo.GetTask(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-task", Method: http.MethodGet, Path: "/tasks/{id}", Summary: "Get a task",
	}, func(ctx context.Context, in *idInput) (*taskOutput, error) {
		t, err := s.app.Repo.GetTask(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "task")
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "update-task", Method: http.MethodPut, Path: "/tasks/{id}", Summary: "Update a task",
	}, func(ctx context.Context, in *updateTaskInput) (*taskOutput, error) {
		t, err := s.app.Repo.GetTask(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "task")
		}
		if in.Body.Title != nil {
			t.Title = *in.Body.Title
		}
		if in.Body.Description != nil {
			t.Description = *in.Body.Description
		}
		if in.Body.Priority != nil {
			t.Priority = *in.Body.Priority
		}
		if in.Body.DependsOn != nil {
			if err := s.app.Scheduler.ValidateNewTask(ctx, t.GoalID, t.ID, in.Body.DependsOn); err != nil {
				return nil, newAPIError(http.StatusUnprocessableEntity, err.Error())
			}
			t.DependsOn = in.Body.DependsOn
		}
		if in.Body.Settings != nil {
			t.Settings = *in.Body.Settings
		}
		if err := s.app.Repo.UpdateTask(ctx, t); err != nil {
			return nil, err
		}
		if err := s.app.Scheduler.Register(ctx, t.GoalID); err != nil {
			return nil, err
		}
		t, err = s.app.Repo.GetTask(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "retry-task", Method: http.MethodPost, Path: "/tasks/{id}/retry", Summary: "Retry a failed task",
	}, func(ctx context.Context, in *idInput) (*agentOutput, error) {
		run, err := s.app.Scheduler.Retry(ctx, in.ID)
		if err != nil {
			if strings.Contains(err.Error(), "only failed tasks") {
				return nil, newAPIError(http.StatusConflict, err.Error())
			}
			return nil, mapRepoErr(err, "task")
		}
		return &agentOutput{Body: run}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "dispatch-task", Method: http.MethodPost, Path: "/tasks/{id}/dispatch", Summary: "Dispatch a single task",
	}, func(ctx context.Context, in *idInput) (*agentOutput, error) {
		run, err := s.app.Scheduler.DispatchOne(ctx, in.ID)
		if err != nil {
			if strings.Contains(err.Error(), "refused") {
				return nil, newAPIError(http.StatusConflict, err.Error())
			}
			return nil, mapRepoErr(err, "task")
		}
		return &agentOutput{Body: run}, nil
	})
}

func (s *server) registerAgents(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "list-agents", Method: http.MethodGet, Path: "/agents", Summary: "List agent runs",
	}, func(ctx context.Context, _ *struct{}) (*agentListOutput, error) {
		runs, err := s.app.Repo.ListAgentRuns(ctx)
		if err != nil {
			return nil, err
		}
		return &agentListOutput{Body: runs}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-agent", Method: http.MethodGet, Path: "/agents/{id}", Summary: "Get an agent run",
	}, func(ctx context.Context, in *idInput) (*agentOutput, error) {
		if run, ok := s.app.Supervisor.Snapshot(in.ID); ok {
			return &agentOutput{Body: run}, nil
		}
		run, err := s.app.Repo.GetAgentRun(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "agent")
		}
		return &agentOutput{Body: run}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "agent-events", Method: http.MethodGet, Path: "/agents/{id}/events", Summary: "List an agent's events",
	}, func(ctx context.Context, in *idInput) (*agentEventsOutput, error) {
		if _, err := s.app.Repo.GetAgentRun(ctx, in.ID); err != nil {
			return nil, mapRepoErr(err, "agent")
		}
		events, err := s.app.Repo.ListAgentEvents(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		return &agentEventsOutput{Body: events}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "nudge-agent", Method: http.MethodPost, Path: "/agents/{id}/nudge", Summary: "Send a message to a running agent",
	}, func(ctx context.Context, in *nudgeInput) (*emptyOutput, error) {
		if err := s.app.Supervisor.Nudge(ctx, in.ID, in.Body.Message); err != nil {
			return nil, mapSupervisorErr(err)
		}
		return &emptyOutput{}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "kill-agent", Method: http.MethodPost, Path: "/agents/{id}/kill", Summary: "Terminate an agent",
	}, func(ctx context.Context, in *idInput) (*emptyOutput, error) {
		if err := s.app.Supervisor.Kill(ctx, in.ID); err != nil {
			return nil, mapSupervisorErr(err)
		}
		return &emptyOutput{}, nil
	})
}

func (s *server) registerOperations(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "get-operation", Method: http.MethodGet, Path: "/operations/{id}", Summary: "Get an operation",
	}, func(ctx context.Context, in *idInput) (*operationOutput, error) {
		op, err := s.app.Ops.Get(ctx, in.ID)
		if err != nil {
			return nil, mapRepoErr(err, "operation")
		}
		return &operationOutput{Body: op}, nil
	})
}
