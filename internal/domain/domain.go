package domain

// Goal statuses.
const (
	GoalActive    = "active"
	GoalPaused    = "paused"
	GoalCompleted = "completed"
	GoalArchived  = "archived"
)

// Task statuses.
const (
	TaskPending  = "pending"
	TaskAssigned = "assigned"
	TaskRunning  = "running"
	TaskDone     = "done"
	TaskFailed   = "failed"
	TaskBlocked  = "blocked"
)

// AgentRun statuses.
const (
	RunSpawning = "spawning"
	RunRunning  = "running"
	RunStalled  = "stalled"
	RunDone     = "done"
	RunFailed   = "failed"
	RunKilled   = "killed"
)

// Failure kinds recorded on a terminal AgentRun.
const (
	FailAcquire       = "acquire_failed"
	FailSpawn         = "spawn_failed"
	FailMergeConflict = "merge_conflict"
	FailLost          = "lost"
)

// Operation kinds and statuses.
const (
	OpDecompose = "decompose"
	OpDispatch  = "dispatch"

	OpRunning   = "running"
	OpCompleted = "completed"
	OpFailed    = "failed"
)

type Project struct {
	ID          string   `json:"id"`
	Path        string   `json:"path"`
	DisplayName string   `json:"display_name"`
	SortOrder   int      `json:"sort_order"`
	Settings    Settings `json:"settings"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Goal struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Status      string   `json:"status" enum:"active,paused,completed,archived"`
	RepoPath    string   `json:"repo_path"`
	Settings    Settings `json:"settings"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID          string   `json:"id"`
	GoalID      string   `json:"goal_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status" enum:"pending,assigned,running,done,failed,blocked"`
	Priority    int      `json:"priority"`
	DependsOn   []string `json:"depends_on"`
	Settings    Settings `json:"settings"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type AgentRun struct {
	ID             string   `json:"id"`
	TaskID         string   `json:"task_id"`
	GoalID         string   `json:"goal_id"`
	SessionID      *string  `json:"session_id,omitempty"`
	WorktreePath   *string  `json:"worktree_path,omitempty"`
	Branch         *string  `json:"branch,omitempty"`
	Status         string   `json:"status" enum:"spawning,running,stalled,done,failed,killed"`
	FailKind       *string  `json:"fail_kind,omitempty"`
	Model          string   `json:"model"`
	CostUSD        float64  `json:"cost_usd"`
	InputTokens    int64    `json:"input_tokens"`
	OutputTokens   int64    `json:"output_tokens"`
	MaxBudgetUSD   *float64 `json:"max_budget_usd,omitempty"`
	StartedAt      string   `json:"started_at" format:"date-time"`
	LastActivityAt *string  `json:"last_activity_at,omitempty" format:"date-time"`
	FinishedAt     *string  `json:"finished_at,omitempty" format:"date-time"`
}

// Terminal reports whether the run has reached a final status.
func (r AgentRun) Terminal() bool {
	return r.Status == RunDone || r.Status == RunFailed || r.Status == RunKilled
}

type AgentEvent struct {
	Seq          int64    `json:"seq"`
	AgentRunID   string   `json:"agent_run_id"`
	Kind         string   `json:"kind"`
	ToolName     *string  `json:"tool_name,omitempty"`
	Summary      string   `json:"summary"`
	RawJSON      *string  `json:"raw_json,omitempty"`
	CostDeltaUSD *float64 `json:"cost_delta_usd,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type Operation struct {
	ID         string  `json:"id"`
	GoalID     string  `json:"goal_id"`
	Kind       string  `json:"kind" enum:"decompose,dispatch"`
	Status     string  `json:"status" enum:"running,completed,failed"`
	Message    string  `json:"message"`
	ResultJSON *string `json:"result_json,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type GoalMessage struct {
	ID           string `json:"id"`
	GoalID       string `json:"goal_id"`
	Role         string `json:"role" enum:"user,assistant,system"`
	Content      string `json:"content"`
	Kind         string `json:"kind" enum:"text,task_proposal"`
	MetadataJSON string `json:"metadata_json"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}
