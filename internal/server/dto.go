package server

import (
	"conductor/internal/domain"
)

// ── Projects ──

type createProjectInput struct {
	Body struct {
		Path        string          `json:"path" minLength:"1"`
		DisplayName string          `json:"display_name,omitempty"`
		Settings    domain.Settings `json:"settings,omitempty"`
	}
}

type projectOutput struct {
	Body domain.Project
}

type projectListOutput struct {
	Body []domain.Project
}

type updateProjectInput struct {
	ID   string `path:"id"`
	Body struct {
		DisplayName *string          `json:"display_name,omitempty"`
		SortOrder   *int             `json:"sort_order,omitempty"`
		Settings    *domain.Settings `json:"settings,omitempty"`
	}
}

// ── Goals ──

type createGoalInput struct {
	Body struct {
		Name        string          `json:"name,omitempty"`
		Description string          `json:"description" minLength:"1"`
		RepoPath    string          `json:"repo_path,omitempty"`
		ProjectID   string          `json:"project_id,omitempty"`
		Settings    domain.Settings `json:"settings,omitempty"`
	}
}

type goalOutput struct {
	Body domain.Goal
}

type goalListInput struct {
	IncludeArchived bool `query:"include_archived"`
}

type goalListOutput struct {
	Body []domain.Goal
}

type updateGoalInput struct {
	ID   string `path:"id"`
	Body struct {
		Name        *string          `json:"name,omitempty"`
		Description *string          `json:"description,omitempty"`
		Status      *string          `json:"status,omitempty" enum:"active,paused,completed,archived"`
		Settings    *domain.Settings `json:"settings,omitempty"`
	}
}

type goalSummaryOutput struct {
	Body struct {
		Total   int `json:"total"`
		Done    int `json:"done"`
		Running int `json:"running"`
		Failed  int `json:"failed"`
		Pending int `json:"pending"`
		Blocked int `json:"blocked"`
	}
}

// ── Tasks ──

type createTaskInput struct {
	GoalID string `path:"id"`
	Body   struct {
		Title       string          `json:"title" minLength:"1"`
		Description string          `json:"description,omitempty"`
		Priority    int             `json:"priority,omitempty"`
		DependsOn   []string        `json:"depends_on,omitempty"`
		Settings    domain.Settings `json:"settings,omitempty"`
	}
}

type taskOutput struct {
	Body domain.Task
}

type taskListOutput struct {
	Body []domain.Task
}

type updateTaskInput struct {
	ID   string `path:"id"`
	Body struct {
		Title       *string          `json:"title,omitempty"`
		Description *string          `json:"description,omitempty"`
		Priority    *int             `json:"priority,omitempty"`
		DependsOn   []string         `json:"depends_on,omitempty"`
		Settings    *domain.Settings `json:"settings,omitempty"`
	}
}

type retryFailedOutput struct {
	Body struct {
		TasksReset int `json:"tasks_reset"`
	}
}

// ── Agents ──

type agentOutput struct {
	Body domain.AgentRun
}

type agentListOutput struct {
	Body []domain.AgentRun
}

type agentEventsOutput struct {
	Body []domain.AgentEvent
}

type nudgeInput struct {
	ID   string `path:"id"`
	Body struct {
		Message string `json:"message" minLength:"1"`
	}
}

type operationOutput struct {
	Body domain.Operation
}

type chatInput struct {
	ID   string `path:"id"`
	Body struct {
		Message string `json:"message" minLength:"1"`
	}
}

type messagesOutput struct {
	Body []domain.GoalMessage
}

type statsOutput struct {
	Body struct {
		Projects     int     `json:"projects"`
		Goals        int     `json:"goals"`
		ActiveAgents int     `json:"active_agents"`
		TotalCostUSD float64 `json:"total_cost_usd"`
	}
}

type idInput struct {
	ID string `path:"id"`
}

type emptyOutput struct{}
