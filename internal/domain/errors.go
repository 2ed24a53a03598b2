package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Job errors
	ErrJobNotFound = errors.New("review job not found")
	ErrJobRunning  = errors.New("review job is still pending or running")

	// Input errors, rejected before a job exists
	ErrUnsupportedFormat = errors.New("unsupported document type (want .md, .txt, .pdf or .docx)")
	ErrDocumentRequired  = errors.New("document path is required")
	ErrRepoPathRequired  = errors.New("at least one repository path is required")
	ErrPathNotFound      = errors.New("path not found")

	// Streaming errors
	ErrTooManySubscribers = errors.New("too many subscribers for this review")
	ErrSubscriberLagging  = errors.New("subscriber buffer full, event dropped")

	// Engine errors
	ErrEngineNoResult    = errors.New("engine stream ended without a result")
	ErrEngineUnavailable = errors.New("execution engine binary not found")
)

// IsInputError reports whether err belongs to the synchronous input-error class.
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrDocumentRequired) ||
		errors.Is(err, ErrRepoPathRequired) ||
		errors.Is(err, ErrPathNotFound)
}
