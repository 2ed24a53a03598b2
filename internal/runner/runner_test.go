package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/docreview/internal/broadcast"
	"github.com/tutu-network/docreview/internal/domain"
	"github.com/tutu-network/docreview/internal/infra/engine"
	"github.com/tutu-network/docreview/internal/infra/extract"
	"github.com/tutu-network/docreview/internal/infra/sqlite"
	"github.com/tutu-network/docreview/internal/progress"
)

// ─── Test doubles ───────────────────────────────────────────────────────────

// gatedEngine records the request and holds the run until release is
// closed or the context ends.
type gatedEngine struct {
	inner   domain.Engine
	release chan struct{}

	mu   sync.Mutex
	reqs []domain.EngineRequest
}

func newGatedEngine(inner domain.Engine) *gatedEngine {
	return &gatedEngine{inner: inner, release: make(chan struct{})}
}

func (g *gatedEngine) Run(ctx context.Context, req domain.EngineRequest) (<-chan domain.EngineMessage, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-ctx.Done():
		ch := make(chan domain.EngineMessage)
		close(ch)
		return ch, nil
	}
	return g.inner.Run(ctx, req)
}

func (g *gatedEngine) lastRequest(t *testing.T) domain.EngineRequest {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.reqs) == 0 {
		t.Fatal("engine never ran")
	}
	return g.reqs[len(g.reqs)-1]
}

// failingExtractor wraps the real extractor and fails chosen paths.
type failingExtractor struct {
	domain.TextExtractor
	fail map[string]bool
}

func (f *failingExtractor) Extract(ctx context.Context, path string) (string, error) {
	if f.fail[path] {
		return "", errors.New("corrupt document")
	}
	return f.TextExtractor.Extract(ctx, path)
}

// eventLog collects published events.
type eventLog struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (l *eventLog) listen(ev domain.ProgressEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) snapshot() []domain.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ProgressEvent(nil), l.events...)
}

// ─── Fixtures ───────────────────────────────────────────────────────────────

type fixture struct {
	db       *sqlite.DB
	runner   *Runner
	registry *broadcast.Registry
	doc      string
	notes    string
	repo     string
}

func newFixture(t *testing.T, eng domain.Engine, ext domain.TextExtractor) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if ext == nil {
		e, err := extract.New(8)
		if err != nil {
			t.Fatalf("extract.New: %v", err)
		}
		ext = e
	}

	dir := t.TempDir()
	doc := filepath.Join(dir, "design.md")
	notes := filepath.Join(dir, "notes.txt")
	repo := filepath.Join(dir, "repo")
	os.WriteFile(doc, []byte("# Design\n\nThe API retries twice."), 0o644)
	os.WriteFile(notes, []byte("Meeting notes: retries were discussed."), 0o644)
	os.Mkdir(repo, 0o755)

	reg := broadcast.NewRegistry(0, 10*time.Millisecond)
	cfg := Config{Progress: progress.DefaultConfig()}
	r := New(db, ext, eng, reg, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return &fixture{db: db, runner: r, registry: reg, doc: doc, notes: notes, repo: repo}
}

func (f *fixture) request() Request {
	return Request{
		Title:              "API design",
		DocumentPath:       f.doc,
		SupplementaryPaths: []string{f.notes},
		RepoPaths:          []string{f.repo},
	}
}

func (f *fixture) subscribe(t *testing.T, jobID string) *eventLog {
	t.Helper()
	b, ok := f.registry.Get(jobID)
	if !ok {
		t.Fatalf("no broadcaster registered for %s", jobID)
	}
	log := &eventLog{}
	if _, err := b.Subscribe(log.listen); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return log
}

func (f *fixture) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	j, err := f.db.GetJob(id)
	if err != nil || j == nil {
		t.Fatalf("GetJob(%s) = %v, %v", id, j, err)
	}
	return j
}

func lastComplete(t *testing.T, events []domain.ProgressEvent) domain.CompleteData {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if last.Type != domain.EventComplete {
		t.Fatalf("last event = %s, want complete", last.Type)
	}
	var d domain.CompleteData
	if err := last.Decode(&d); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return d
}

// ─── Validation ─────────────────────────────────────────────────────────────

func TestSubmit_InputErrors(t *testing.T) {
	f := newFixture(t, engine.NewScripted(nil), nil)
	png := filepath.Join(t.TempDir(), "diagram.png")
	os.WriteFile(png, []byte("x"), 0o644)
	file := f.notes

	tests := []struct {
		name string
		mut  func(*Request)
		want error
	}{
		{"no document", func(r *Request) { r.DocumentPath = "" }, domain.ErrDocumentRequired},
		{"unsupported document", func(r *Request) { r.DocumentPath = png }, domain.ErrUnsupportedFormat},
		{"missing document", func(r *Request) { r.DocumentPath = "/nope/design.md" }, domain.ErrPathNotFound},
		{"unsupported supplementary", func(r *Request) { r.SupplementaryPaths = []string{png} }, domain.ErrUnsupportedFormat},
		{"no repository", func(r *Request) { r.RepoPaths = nil }, domain.ErrRepoPathRequired},
		{"missing repository", func(r *Request) { r.RepoPaths = []string{"/nope/repo"} }, domain.ErrPathNotFound},
		{"repository is a file", func(r *Request) { r.RepoPaths = []string{file} }, domain.ErrPathNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request()
			tt.mut(&req)
			_, err := f.runner.Submit(req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Submit error = %v, want %v", err, tt.want)
			}
			if !domain.IsInputError(err) {
				t.Errorf("IsInputError(%v) = false", err)
			}
		})
	}

	jobs, _ := f.db.ListJobs()
	if len(jobs) != 0 {
		t.Errorf("input errors created %d jobs", len(jobs))
	}
}

// ─── Runs ───────────────────────────────────────────────────────────────────

func TestSubmit_CompletesDemoReview(t *testing.T) {
	eng := newGatedEngine(engine.NewScripted(engine.DemoScript(0)))
	f := newFixture(t, eng, nil)

	job, err := f.runner.Submit(f.request())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != domain.JobPending || job.Title != "API design" {
		t.Errorf("submitted job = %+v", job)
	}
	events := f.subscribe(t, job.ID)
	close(eng.release)
	f.runner.Wait()

	got := f.job(t, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("Status = %q (error %q), want completed", got.Status, got.Error)
	}
	if got.Usage == nil || got.Usage.CostUSD != 0.21 || got.Usage.NumTurns != 12 {
		t.Errorf("Usage = %+v", got.Usage)
	}
	if len(got.Usage.Subtasks) != 5 || got.Usage.Subtasks[0].Kind != domain.KindController {
		t.Errorf("Subtasks = %+v", got.Usage.Subtasks)
	}
	if got.Usage.EstimatedCostUSD <= 0 {
		t.Errorf("EstimatedCostUSD = %v", got.Usage.EstimatedCostUSD)
	}
	out, _ := f.db.GetOutput(job.ID)
	if !strings.HasPrefix(out, "## Review") {
		t.Errorf("output = %q", out)
	}

	evs := events.snapshot()
	if d := lastComplete(t, evs); d.Status != domain.JobCompleted {
		t.Errorf("complete status = %q", d.Status)
	}
	var phases []domain.Phase
	last := -1
	for _, ev := range evs {
		switch ev.Type {
		case domain.EventPhase:
			var d domain.PhaseData
			ev.Decode(&d)
			// understanding may precede the subscription
			if d.Phase != domain.PhaseUnderstanding {
				phases = append(phases, d.Phase)
			}
		case domain.EventProgress:
			var d domain.ProgressData
			ev.Decode(&d)
			if d.Percent < last {
				t.Errorf("progress went backward: %d after %d", d.Percent, last)
			}
			last = d.Percent
		}
	}
	if last != 100 {
		t.Errorf("final percent = %d, want 100", last)
	}
	want := []domain.Phase{domain.PhaseExploring, domain.PhaseAnalyzing, domain.PhaseSynthesizing}
	if len(phases) != len(want) {
		t.Fatalf("phases after attach = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phases[%d] = %q, want %q", i, phases[i], want[i])
		}
	}

	req := eng.lastRequest(t)
	if !strings.Contains(req.Prompt, "The API retries twice.") || !strings.Contains(req.Prompt, "Meeting notes") {
		t.Errorf("prompt missing document text:\n%s", req.Prompt)
	}
	if req.WorkingDir != f.repo || len(req.Agents) != 2 {
		t.Errorf("request = %+v", req)
	}
}

func TestRun_EngineFailure(t *testing.T) {
	eng := newGatedEngine(engine.NewScripted([]engine.Step{
		{Message: domain.Delegation{CorrelationID: "s1", Kind: domain.KindCodebaseSearch, Description: "find"}},
		{Message: domain.TerminalFailure{Reason: "error_max_turns", Message: "max turns reached"}},
	}))
	f := newFixture(t, eng, nil)

	job, err := f.runner.Submit(f.request())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := f.subscribe(t, job.ID)
	close(eng.release)
	f.runner.Wait()

	got := f.job(t, job.ID)
	if got.Status != domain.JobError || got.Error != "max turns reached" {
		t.Errorf("job = %+v", got)
	}
	d := lastComplete(t, events.snapshot())
	if d.Status != domain.JobError || d.Message != "max turns reached" {
		t.Errorf("complete = %+v", d)
	}
}

func TestRun_EngineStartError(t *testing.T) {
	scripted := engine.NewScripted(nil)
	scripted.StartErr = domain.ErrEngineUnavailable
	f := newFixture(t, scripted, nil)

	job, err := f.runner.Submit(f.request())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.runner.Wait()

	got := f.job(t, job.ID)
	if got.Status != domain.JobError || !strings.Contains(got.Error, "engine") {
		t.Errorf("job = %+v", got)
	}
}

func TestRun_MissingTerminal(t *testing.T) {
	f := newFixture(t, engine.NewScripted([]engine.Step{{Message: domain.ControllerText{Text: "hi"}}}), nil)
	job, _ := f.runner.Submit(f.request())
	f.runner.Wait()

	if got := f.job(t, job.ID); got.Status != domain.JobError {
		t.Errorf("Status = %q, want error", got.Status)
	}
}

func TestRun_PrimaryExtractionFatal(t *testing.T) {
	eng := newGatedEngine(engine.NewScripted(engine.DemoScript(0)))
	close(eng.release)
	base, _ := extract.New(8)
	ext := &failingExtractor{TextExtractor: base, fail: map[string]bool{}}
	f := newFixture(t, eng, ext)
	ext.fail[f.doc] = true

	job, _ := f.runner.Submit(f.request())
	f.runner.Wait()

	got := f.job(t, job.ID)
	if got.Status != domain.JobError || !strings.Contains(got.Error, "corrupt document") {
		t.Errorf("job = %+v", got)
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.reqs) != 0 {
		t.Error("engine ran despite primary extraction failure")
	}
}

func TestRun_SupplementaryFailureSkipped(t *testing.T) {
	eng := newGatedEngine(engine.NewScripted(engine.DemoScript(0)))
	close(eng.release)
	base, _ := extract.New(8)
	ext := &failingExtractor{TextExtractor: base, fail: map[string]bool{}}
	f := newFixture(t, eng, ext)
	ext.fail[f.notes] = true

	job, _ := f.runner.Submit(f.request())
	f.runner.Wait()

	if got := f.job(t, job.ID); got.Status != domain.JobCompleted {
		t.Fatalf("Status = %q (error %q), want completed", got.Status, got.Error)
	}
	if req := eng.lastRequest(t); strings.Contains(req.Prompt, "Meeting notes") {
		t.Error("failed supplementary document leaked into prompt")
	}
}

// ─── Rerun ──────────────────────────────────────────────────────────────────

func TestRerun(t *testing.T) {
	eng := newGatedEngine(engine.NewScripted(engine.DemoScript(0)))
	f := newFixture(t, eng, nil)

	job, _ := f.runner.Submit(f.request())
	if _, err := f.runner.Rerun(job.ID); !errors.Is(err, domain.ErrJobRunning) {
		t.Errorf("Rerun while active = %v, want ErrJobRunning", err)
	}
	close(eng.release)
	f.runner.Wait()

	again, err := f.runner.Rerun(job.ID)
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if again.Status != domain.JobPending || again.Usage != nil {
		t.Errorf("rerun job = %+v", again)
	}
	f.runner.Wait()
	if got := f.job(t, job.ID); got.Status != domain.JobCompleted {
		t.Errorf("Status after rerun = %q", got.Status)
	}

	if _, err := f.runner.Rerun("ghost"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Rerun(ghost) = %v, want ErrJobNotFound", err)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, engine.NewScripted(nil), nil)
	f.db.CreateJob(&domain.Job{ID: "stale", Status: domain.JobRunning})

	n, err := f.runner.RecoverInterrupted()
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}
	if got := f.job(t, "stale"); got.Status != domain.JobError || got.Error != InterruptedMessage {
		t.Errorf("stale job = %+v", got)
	}
}

func TestShutdown_FailsInFlightRuns(t *testing.T) {
	eng := newGatedEngine(engine.NewScripted(engine.DemoScript(0)))
	f := newFixture(t, eng, nil)

	job, _ := f.runner.Submit(f.request())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.runner.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := f.job(t, job.ID)
	if got.Status != domain.JobError {
		t.Errorf("Status = %q, want error", got.Status)
	}
}

func TestRegistryReleasedAfterRun(t *testing.T) {
	f := newFixture(t, engine.NewScripted(engine.DemoScript(0)), nil)
	job, _ := f.runner.Submit(f.request())
	f.runner.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := f.registry.Get(job.ID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("broadcaster still registered after grace period")
}
