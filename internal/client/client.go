// Package client talks to a docreview server: the REST surface used by the
// CLI, the progress event stream, and the Watcher that reconciles the two.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tutu-network/docreview/internal/domain"
)

// ErrMalformedFrame is returned by EventStream.Next for a frame that is
// not a JSON progress event. The stream stays usable.
var ErrMalformedFrame = errors.New("malformed event frame")

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unwrap maps well-known codes onto the domain sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return domain.ErrJobNotFound
	case http.StatusConflict:
		return domain.ErrJobRunning
	case http.StatusServiceUnavailable:
		return domain.ErrTooManySubscribers
	}
	return nil
}

// SubmitRequest is the POST /reviews body.
type SubmitRequest struct {
	Title              string   `json:"title,omitempty"`
	DocumentPath       string   `json:"documentPath"`
	SupplementaryPaths []string `json:"supplementaryPaths,omitempty"`
	RepoPaths          []string `json:"repoPaths"`
}

// Review is a job with its output text.
type Review struct {
	domain.Job
	Output string `json:"output,omitempty"`
}

// Client is a thin HTTP client for the review server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL. The underlying HTTP
// client has no overall timeout; streams are bounded by their context.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// ─── REST ───────────────────────────────────────────────────────────────────

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodPost, "/reviews", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) List(ctx context.Context) ([]domain.Job, error) {
	var resp struct {
		Reviews []domain.Job `json:"reviews"`
	}
	if err := c.do(ctx, http.MethodGet, "/reviews", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Reviews, nil
}

func (c *Client) Get(ctx context.Context, id string) (*Review, error) {
	var r Review
	if err := c.do(ctx, http.MethodGet, "/reviews/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Status reads the lightweight status view polled by the Watcher.
func (c *Client) Status(ctx context.Context, id string) (domain.JobSummary, error) {
	var s domain.JobSummary
	err := c.do(ctx, http.MethodGet, "/reviews/"+url.PathEscape(id)+"/status", nil, &s)
	return s, err
}

func (c *Client) Rerun(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodPost, "/reviews/"+url.PathEscape(id)+"/rerun", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		return &StatusError{Code: resp.StatusCode, Message: body.Error.Message}
	}
	return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

// ─── Event stream ───────────────────────────────────────────────────────────

// Stream opens the job's progress event stream. A *StatusError means the
// server refused the stream outright (unknown job, subscriber cap).
func (c *Client) Stream(ctx context.Context, id string) (*EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reviews/"+url.PathEscape(id)+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}
	return &EventStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

// EventStream reads Server-Sent Events frames carrying progress events.
type EventStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

// Next returns the next event. Comment frames are skipped; a frame that
// does not decode yields ErrMalformedFrame. io.EOF marks the end of the
// stream.
func (s *EventStream) Next() (domain.ProgressEvent, error) {
	var data []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && len(data) > 0 {
				return decodeFrame(data)
			}
			return domain.ProgressEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			return decodeFrame(data)
		case strings.HasPrefix(line, ":"):
			// keepalive or other comment
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: carry nothing we use
		}
	}
}

// Close releases the connection.
func (s *EventStream) Close() error { return s.body.Close() }

func decodeFrame(data []string) (domain.ProgressEvent, error) {
	var ev domain.ProgressEvent
	if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev); err != nil || ev.Type == "" {
		return domain.ProgressEvent{}, ErrMalformedFrame
	}
	return ev, nil
}
