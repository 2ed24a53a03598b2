// Package domain holds the pure types shared by every layer of docreview:
// jobs, progress events, token usage and the closed set of messages the
// execution engine can produce.
package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// JobStatus tracks the review job lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
)

// Valid reports whether s is one of the four known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobError:
		return true
	}
	return false
}

// SourceRole distinguishes the reviewed document from supporting material.
type SourceRole string

const (
	SourcePrimary       SourceRole = "primary"
	SourceSupplementary SourceRole = "supplementary"
)

// InputSource describes one document handed to a review.
type InputSource struct {
	Name   string     `json:"name"`
	Path   string     `json:"path"`
	Role   SourceRole `json:"role"`
	Format string     `json:"format"`
}

// NewInputSource builds a source descriptor from a file path.
func NewInputSource(path string, role SourceRole) InputSource {
	return InputSource{
		Name:   filepath.Base(path),
		Path:   path,
		Role:   role,
		Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
	}
}

// Job is one document review, from submission to terminal status.
// Only the job runner mutates it after creation.
type Job struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Status      JobStatus     `json:"status"`
	RepoPaths   []string      `json:"repo_paths"`
	Sources     []InputSource `json:"sources"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	Error       string        `json:"error,omitempty"`
	Usage       *SessionUsage `json:"usage,omitempty"`
}

// IsTerminal returns true once the job has completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobError
}

// CanRerun reports whether the job may be re-armed to pending.
func (j *Job) CanRerun() bool {
	return j.IsTerminal()
}

// Primary returns the reviewed document, if any.
func (j *Job) Primary() (InputSource, bool) {
	for _, s := range j.Sources {
		if s.Role == SourcePrimary {
			return s, true
		}
	}
	return InputSource{}, false
}

// Supplementary returns the supporting documents in submission order.
func (j *Job) Supplementary() []InputSource {
	var out []InputSource
	for _, s := range j.Sources {
		if s.Role == SourceSupplementary {
			out = append(out, s)
		}
	}
	return out
}

// Duration returns how long the last run took (0 if not finished).
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// JobSummary is the lightweight status view served to pollers.
type JobSummary struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// Summary projects the job onto its status view.
func (j *Job) Summary() JobSummary {
	return JobSummary{ID: j.ID, Status: j.Status, Error: j.Error}
}
