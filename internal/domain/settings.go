package domain

// Settings is the shared override shape carried by projects, goals and tasks.
// A nil field means "inherit from the next level up".
type Settings struct {
	Model          *string  `json:"model,omitempty"`
	MaxBudgetUSD   *float64 `json:"max_budget_usd,omitempty"`
	MaxTurns       *int     `json:"max_turns,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	PermissionMode *string  `json:"permission_mode,omitempty"`
	SystemPrompt   *string  `json:"system_prompt,omitempty"`
}

// ResolvedSettings is a fully materialized Settings, every field populated.
type ResolvedSettings struct {
	Model          string
	MaxBudgetUSD   float64
	MaxTurns       int
	AllowedTools   []string
	PermissionMode string
	SystemPrompt   string
}

// DefaultSettings are the built-in fallbacks at the bottom of the
// task -> goal -> project -> default resolution chain.
func DefaultSettings() ResolvedSettings {
	return ResolvedSettings{
		Model:        "sonnet",
		MaxBudgetUSD: 5.0,
		MaxTurns:     50,
		AllowedTools: []string{"Bash", "Read", "Edit", "Write", "Grep", "Glob"},
	}
}

// Merge layers override on top of s, field by field.
func (s Settings) Merge(override Settings) Settings {
	out := s
	if override.Model != nil {
		out.Model = override.Model
	}
	if override.MaxBudgetUSD != nil {
		out.MaxBudgetUSD = override.MaxBudgetUSD
	}
	if override.MaxTurns != nil {
		out.MaxTurns = override.MaxTurns
	}
	if override.AllowedTools != nil {
		out.AllowedTools = override.AllowedTools
	}
	if override.PermissionMode != nil {
		out.PermissionMode = override.PermissionMode
	}
	if override.SystemPrompt != nil {
		out.SystemPrompt = override.SystemPrompt
	}
	return out
}

// ResolveSettings evaluates the inheritance chain field by field. Layers are
// ordered outermost first: project, then goal, then task.
func ResolveSettings(base ResolvedSettings, layers ...Settings) ResolvedSettings {
	merged := Settings{}
	for _, l := range layers {
		merged = merged.Merge(l)
	}
	out := base
	if merged.Model != nil {
		out.Model = *merged.Model
	}
	if merged.MaxBudgetUSD != nil {
		out.MaxBudgetUSD = *merged.MaxBudgetUSD
	}
	if merged.MaxTurns != nil {
		out.MaxTurns = *merged.MaxTurns
	}
	if merged.AllowedTools != nil {
		out.AllowedTools = merged.AllowedTools
	}
	if merged.PermissionMode != nil {
		out.PermissionMode = *merged.PermissionMode
	}
	if merged.SystemPrompt != nil {
		out.SystemPrompt = *merged.SystemPrompt
	}
	return out
}
