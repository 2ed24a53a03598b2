package domain

// TokenUsage holds the four token counters reported by the engine.
type TokenUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// Add accumulates other into u. Negative counters are ignored.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += nonNegative(other.InputTokens)
	u.OutputTokens += nonNegative(other.OutputTokens)
	u.CacheReadInputTokens += nonNegative(other.CacheReadInputTokens)
	u.CacheCreationInputTokens += nonNegative(other.CacheCreationInputTokens)
}

// Total returns the sum of all four counters.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// IsZero reports whether no tokens were counted.
func (u TokenUsage) IsZero() bool {
	return u.Total() == 0
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// ModelUsage is the engine's own final accounting for one model.
type ModelUsage struct {
	Model   string     `json:"model"`
	Usage   TokenUsage `json:"usage"`
	CostUSD float64    `json:"cost_usd"`
}

// SubtaskUsage is the usage attributed to one delegated unit of work.
// The controller is reported as a subtask with Kind "controller".
type SubtaskUsage struct {
	ID          string     `json:"id,omitempty"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	Model       string     `json:"model,omitempty"`
	Usage       TokenUsage `json:"usage"`
}

// SessionUsage is the authoritative usage summary persisted when a job
// completes. It supersedes any live estimate.
type SessionUsage struct {
	Total            TokenUsage     `json:"total"`
	CostUSD          float64        `json:"cost_usd"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd,omitempty"`
	DurationMS       int64          `json:"duration_ms"`
	NumTurns         int            `json:"num_turns"`
	Models           []ModelUsage   `json:"models"`
	Subtasks         []SubtaskUsage `json:"subtasks"`
}
