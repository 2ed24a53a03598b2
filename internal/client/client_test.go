package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tutu-network/docreview/internal/domain"
)

func frame(t *testing.T, ev domain.ProgressEvent) string {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return "data: " + string(data) + "\n\n"
}

func streamOf(body string) *EventStream {
	rc := io.NopCloser(strings.NewReader(body))
	return &EventStream{body: rc, r: bufio.NewReader(rc)}
}

// ─── EventStream ────────────────────────────────────────────────────────────

func TestEventStream_Frames(t *testing.T) {
	progress := domain.NewProgressEvent(t0, 10, "go")
	body := ":keepalive\n\n" +
		frame(t, progress) +
		"event: ignored\nid: 7\n" + frame(t, domain.NewCompleteEvent(t0, domain.JobCompleted, "")) +
		"data: {not json}\n\n" +
		"data: {\"type\":\"phase\",\r\ndata: \"data\":{}}\r\n\r\n"
	s := streamOf(body)

	ev, err := s.Next()
	if err != nil || ev.Type != domain.EventProgress {
		t.Fatalf("first = %+v, %v", ev, err)
	}
	ev, err = s.Next()
	if err != nil || ev.Type != domain.EventComplete {
		t.Fatalf("second = %+v, %v", ev, err)
	}
	if _, err := s.Next(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("third error = %v, want ErrMalformedFrame", err)
	}
	// multi-line data joined with newlines, CRLF tolerated
	ev, err = s.Next()
	if err != nil || ev.Type != domain.EventPhase {
		t.Fatalf("fourth = %+v, %v", ev, err)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("end error = %v, want io.EOF", err)
	}
}

func TestEventStream_TrailingFrameWithoutBlankLine(t *testing.T) {
	s := streamOf(strings.TrimSuffix(frame(t, domain.NewProgressEvent(t0, 5, "")), "\n\n"))
	ev, err := s.Next()
	if err != nil || ev.Type != domain.EventProgress {
		t.Errorf("Next = %+v, %v", ev, err)
	}
}

func TestEventStream_MissingType(t *testing.T) {
	s := streamOf("data: {\"data\":{}}\n\n")
	if _, err := s.Next(); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("error = %v, want ErrMalformedFrame", err)
	}
}

// ─── REST ───────────────────────────────────────────────────────────────────

func TestClient_REST(t *testing.T) {
	var gotBody SubmitRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/reviews", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(domain.Job{ID: "j1", Status: domain.JobPending})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{"reviews": []domain.Job{{ID: "j1"}, {ID: "j0"}}})
		}
	})
	mux.HandleFunc("/reviews/j1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "j1", "status": "completed", "output": "## Review"})
	})
	mux.HandleFunc("/reviews/j1/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.JobSummary{ID: "j1", Status: domain.JobRunning})
	})
	mux.HandleFunc("/reviews/j1/rerun", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": map[string]string{"message": "still running"}})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL + "/")
	ctx := context.Background()

	job, err := c.Submit(ctx, SubmitRequest{DocumentPath: "/d.md", RepoPaths: []string{"/r"}})
	if err != nil || job.ID != "j1" {
		t.Fatalf("Submit = %+v, %v", job, err)
	}
	if gotBody.DocumentPath != "/d.md" || len(gotBody.RepoPaths) != 1 {
		t.Errorf("server saw %+v", gotBody)
	}

	jobs, err := c.List(ctx)
	if err != nil || len(jobs) != 2 {
		t.Errorf("List = %v, %v", jobs, err)
	}

	review, err := c.Get(ctx, "j1")
	if err != nil || review.Output != "## Review" || review.Status != domain.JobCompleted {
		t.Errorf("Get = %+v, %v", review, err)
	}

	sum, err := c.Status(ctx, "j1")
	if err != nil || sum.Status != domain.JobRunning {
		t.Errorf("Status = %+v, %v", sum, err)
	}

	_, err = c.Rerun(ctx, "j1")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusConflict || se.Message != "still running" {
		t.Errorf("Rerun error = %v", err)
	}
	if !errors.Is(err, domain.ErrJobRunning) {
		t.Errorf("Rerun error does not match ErrJobRunning: %v", err)
	}

	if _, err := c.Status(ctx, "ghost"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Status(ghost) = %v, want ErrJobNotFound", err)
	}
}

// ─── Watcher ────────────────────────────────────────────────────────────────

// fakeServer serves scripted stream responses and a status sequence.
type fakeServer struct {
	t *testing.T

	mu       sync.Mutex
	streams  []func(w http.ResponseWriter) // one per stream request; last repeats
	statuses []domain.JobStatus            // one per status request; last repeats

	streamHits atomic.Int32
	statusHits atomic.Int32
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/stream"):
		n := int(f.streamHits.Add(1)) - 1
		f.mu.Lock()
		fn := f.streams[min(n, len(f.streams)-1)]
		f.mu.Unlock()
		fn(w)
	case strings.HasSuffix(r.URL.Path, "/status"):
		n := int(f.statusHits.Add(1)) - 1
		f.mu.Lock()
		st := f.statuses[min(n, len(f.statuses)-1)]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(domain.JobSummary{ID: "j", Status: st})
	default:
		http.NotFound(w, r)
	}
}

func sse(frames ...string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			io.WriteString(w, f)
			w.(http.Flusher).Flush()
		}
	}
}

func refuse(code int) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
		fmt.Fprint(w, `{"error":{"message":"nope"}}`)
	}
}

func fastConfig() WatcherConfig {
	return WatcherConfig{
		ErrorThreshold: 3,
		PollInterval:   10 * time.Millisecond,
		CompleteDelay:  30 * time.Millisecond,
		RetryDelay:     time.Millisecond,
	}
}

func runWatcher(t *testing.T, f *fakeServer) (Outcome, error, []State, bool) {
	t.Helper()
	ts := httptest.NewServer(f)
	defer ts.Close()

	w := NewWatcher(New(ts.URL), fastConfig())
	var updates []State
	fellBack := false
	w.OnUpdate = func(s State) { updates = append(updates, s) }
	w.OnFallback = func(error) { fellBack = true }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := w.Run(ctx, "j")
	return out, err, updates, fellBack
}

func TestWatcher_AlreadyTerminal(t *testing.T) {
	f := &fakeServer{t: t, statuses: []domain.JobStatus{domain.JobCompleted}, streams: []func(http.ResponseWriter){refuse(500)}}
	out, err, _, _ := runWatcher(t, f)
	if err != nil || out.Source != SourceInitial || out.Status != domain.JobCompleted {
		t.Errorf("Run = %+v, %v", out, err)
	}
	if f.streamHits.Load() != 0 {
		t.Error("stream opened for a terminal job")
	}
}

func TestWatcher_StreamCompletes(t *testing.T) {
	f := &fakeServer{t: t, statuses: []domain.JobStatus{domain.JobRunning}}
	f.streams = []func(http.ResponseWriter){sse(
		frame(t, domain.NewPhaseEvent(t0, domain.PhaseExploring, "")),
		"data: garbage\n\n",
		frame(t, domain.NewProgressEvent(t0, 43, "")),
		frame(t, domain.NewCompleteEvent(t0, domain.JobCompleted, "")),
	)}

	start := time.Now()
	out, err, updates, fellBack := runWatcher(t, f)
	if err != nil || out.Source != SourceStream || out.Status != domain.JobCompleted {
		t.Fatalf("Run = %+v, %v", out, err)
	}
	if elapsed := time.Since(start); elapsed < fastConfig().CompleteDelay {
		t.Errorf("completion signalled after %v, before the %v delay", elapsed, fastConfig().CompleteDelay)
	}
	if fellBack {
		t.Error("fell back to polling")
	}
	if len(updates) != 3 {
		t.Fatalf("updates = %d, want 3 (malformed frame discarded)", len(updates))
	}
	if last := updates[2]; last.Percent != 100 || !last.Done() {
		t.Errorf("final state = %+v", last)
	}
}

func TestWatcher_StreamError(t *testing.T) {
	f := &fakeServer{t: t, statuses: []domain.JobStatus{domain.JobRunning}}
	f.streams = []func(http.ResponseWriter){sse(frame(t, domain.NewCompleteEvent(t0, domain.JobError, "boom")))}

	out, err, _, _ := runWatcher(t, f)
	if err != nil || out.Status != domain.JobError || out.Error != "boom" || out.Source != SourceStream {
		t.Errorf("Run = %+v, %v", out, err)
	}
}

func TestWatcher_RefusedStreamPolls(t *testing.T) {
	f := &fakeServer{t: t,
		statuses: []domain.JobStatus{domain.JobRunning, domain.JobRunning, domain.JobRunning, domain.JobCompleted},
		streams:  []func(http.ResponseWriter){refuse(http.StatusServiceUnavailable)},
	}
	out, err, _, fellBack := runWatcher(t, f)
	if err != nil || out.Source != SourcePoll || out.Status != domain.JobCompleted {
		t.Fatalf("Run = %+v, %v", out, err)
	}
	if !fellBack {
		t.Error("OnFallback not called")
	}
	if f.streamHits.Load() != 1 {
		t.Errorf("stream attempts = %d, want 1", f.streamHits.Load())
	}
}

func TestWatcher_ConsecutiveErrorsPoll(t *testing.T) {
	f := &fakeServer{t: t,
		statuses: []domain.JobStatus{domain.JobRunning, domain.JobRunning, domain.JobError},
		streams:  []func(http.ResponseWriter){sse()}, // closes at once
	}
	out, err, _, fellBack := runWatcher(t, f)
	if err != nil || out.Source != SourcePoll || out.Status != domain.JobError {
		t.Fatalf("Run = %+v, %v", out, err)
	}
	if !fellBack {
		t.Error("OnFallback not called")
	}
	if got := f.streamHits.Load(); got != 3 {
		t.Errorf("stream attempts = %d, want 3", got)
	}
}

func TestWatcher_ParsedEventResetsErrors(t *testing.T) {
	progress := frame(t, domain.NewProgressEvent(t0, 20, ""))
	f := &fakeServer{t: t, statuses: []domain.JobStatus{domain.JobRunning}}
	f.streams = []func(http.ResponseWriter){
		sse(),
		sse(),
		sse(progress), // resets the counter
		sse(),
		sse(frame(t, domain.NewCompleteEvent(t0, domain.JobCompleted, ""))),
	}
	out, err, _, fellBack := runWatcher(t, f)
	if err != nil || out.Source != SourceStream {
		t.Fatalf("Run = %+v, %v", out, err)
	}
	if fellBack {
		t.Error("fell back despite an event between failures")
	}
	if got := f.streamHits.Load(); got != 5 {
		t.Errorf("stream attempts = %d, want 5", got)
	}
}

func TestWatcher_RejectedEventsDoNotResetErrors(t *testing.T) {
	// a well-formed frame whose payload the state cannot apply
	bad := "data: {\"type\":\"progress\",\"timestamp\":\"2026-01-01T00:00:00Z\",\"data\":\"nope\"}\n\n"
	f := &fakeServer{t: t,
		statuses: []domain.JobStatus{domain.JobRunning, domain.JobCompleted},
		streams:  []func(http.ResponseWriter){sse(bad)},
	}
	out, err, updates, fellBack := runWatcher(t, f)
	if err != nil || out.Source != SourcePoll || out.Status != domain.JobCompleted {
		t.Fatalf("Run = %+v, %v", out, err)
	}
	if !fellBack {
		t.Error("OnFallback not called")
	}
	if got := f.streamHits.Load(); got != 3 {
		t.Errorf("stream attempts = %d, want 3", got)
	}
	if len(updates) != 0 {
		t.Errorf("updates = %d, want 0 for rejected events", len(updates))
	}
}

func TestWatcher_CancelStopsPolling(t *testing.T) {
	f := &fakeServer{t: t,
		statuses: []domain.JobStatus{domain.JobRunning},
		streams:  []func(http.ResponseWriter){refuse(http.StatusServiceUnavailable)},
	}
	ts := httptest.NewServer(f)
	defer ts.Close()

	w := NewWatcher(New(ts.URL), fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	w.OnFallback = func(error) {
		time.AfterFunc(30*time.Millisecond, cancel)
	}
	_, err := w.Run(ctx, "j")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	hits := f.statusHits.Load()
	time.Sleep(50 * time.Millisecond)
	if f.statusHits.Load() != hits {
		t.Error("polling continued after cancellation")
	}
}
