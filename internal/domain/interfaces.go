package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the runner and API depend on them.

// JobStore is the narrow persistence surface the job runner needs.
// Implemented by infra/sqlite.DB.
type JobStore interface {
	CreateJob(job *Job) error
	// GetJob returns (nil, nil) when the id is unknown.
	GetJob(id string) (*Job, error)
	ListJobs() ([]Job, error)
	UpdateJobStatus(id string, status JobStatus, errMsg string) error
	// ResetJob re-arms a terminal job to pending. ErrJobRunning if it is not terminal.
	ResetJob(id string) error
	SaveUsage(id string, usage SessionUsage) error
	SaveOutput(id string, text string) error
	GetOutput(id string) (string, error)
	// MarkInterrupted fails every pending or running job with reason.
	MarkInterrupted(reason string) (int64, error)
}

// TextExtractor turns an input document into plain text.
// Implemented by infra/extract.Extractor.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
	Supported(path string) bool
}

// EngineRequest is everything the execution engine needs for one run.
type EngineRequest struct {
	JobID        string
	Prompt       string
	SystemPrompt string
	WorkingDir   string
	AddDirs      []string
	Agents       map[string]AgentDefinition
}

// AgentDefinition declares a subtask kind the controller may delegate to.
type AgentDefinition struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// Engine abstracts the multi-agent execution engine.
// Run returns a channel of converted messages that is closed after the
// terminal message (TerminalSuccess or TerminalFailure).
type Engine interface {
	Run(ctx context.Context, req EngineRequest) (<-chan EngineMessage, error)
}
