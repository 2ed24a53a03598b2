// Package runner executes review jobs. Each run gets its own goroutine,
// broadcaster and inferencer; the engine's messages are consumed in order
// on that goroutine and turned into progress events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/docreview/internal/broadcast"
	"github.com/tutu-network/docreview/internal/domain"
	"github.com/tutu-network/docreview/internal/infra/metrics"
	"github.com/tutu-network/docreview/internal/progress"
)

// InterruptedMessage is the error recorded on jobs a previous process
// left unfinished.
const InterruptedMessage = "interrupted by server restart"

// Config tunes the runner.
type Config struct {
	Progress        progress.Config
	Prompt          PromptConfig
	ExtractParallel int // concurrent supplementary extractions (default 4)
}

// Request is a review submission.
type Request struct {
	Title              string   `json:"title" validate:"max=200"`
	DocumentPath       string   `json:"documentPath" validate:"required"`
	SupplementaryPaths []string `json:"supplementaryPaths" validate:"dive,required"`
	RepoPaths          []string `json:"repoPaths" validate:"required,min=1,dive,required"`
}

// Runner starts review runs and tracks their goroutines.
type Runner struct {
	store     domain.JobStore
	extractor domain.TextExtractor
	engine    domain.Engine
	registry  *broadcast.Registry
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a runner. The registry is shared with the streaming endpoint.
func New(store domain.JobStore, extractor domain.TextExtractor, engine domain.Engine, registry *broadcast.Registry, cfg Config) *Runner {
	if cfg.ExtractParallel <= 0 {
		cfg.ExtractParallel = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:     store,
		extractor: extractor,
		engine:    engine,
		registry:  registry,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Registry returns the broadcaster registry runs publish to.
func (r *Runner) Registry() *broadcast.Registry { return r.registry }

// Validate checks a submission before any job exists. Every failure is an
// input error (see domain.IsInputError).
func (r *Runner) Validate(req Request) error {
	if strings.TrimSpace(req.DocumentPath) == "" {
		return domain.ErrDocumentRequired
	}
	if err := r.checkDocument(req.DocumentPath); err != nil {
		return err
	}
	for _, p := range req.SupplementaryPaths {
		if err := r.checkDocument(p); err != nil {
			return err
		}
	}
	if len(req.RepoPaths) == 0 {
		return domain.ErrRepoPathRequired
	}
	for _, p := range req.RepoPaths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("repository %s: %w", p, domain.ErrPathNotFound)
		}
		if !info.IsDir() {
			return fmt.Errorf("repository %s is not a directory: %w", p, domain.ErrPathNotFound)
		}
	}
	return nil
}

func (r *Runner) checkDocument(path string) error {
	if !r.extractor.Supported(path) {
		return fmt.Errorf("%s: %w", path, domain.ErrUnsupportedFormat)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s: %w", path, domain.ErrPathNotFound)
	}
	return nil
}

// Submit validates req, persists a pending job and starts it in the
// background.
func (r *Runner) Submit(req Request) (*domain.Job, error) {
	if err := r.Validate(req); err != nil {
		return nil, err
	}

	sources := []domain.InputSource{domain.NewInputSource(req.DocumentPath, domain.SourcePrimary)}
	for _, p := range req.SupplementaryPaths {
		sources = append(sources, domain.NewInputSource(p, domain.SourceSupplementary))
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = sources[0].Name
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    domain.JobPending,
		RepoPaths: req.RepoPaths,
		Sources:   sources,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	log.Info().Str("component", "runner").Str("job", job.ID).Str("title", job.Title).Msg("review submitted")
	r.start(job)
	return job, nil
}

// Rerun re-arms a terminal job and starts a new run of it. Returns
// ErrJobRunning while the job is pending or running.
func (r *Runner) Rerun(id string) (*domain.Job, error) {
	if err := r.store.ResetJob(id); err != nil {
		return nil, err
	}
	job, err := r.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	log.Info().Str("component", "runner").Str("job", id).Msg("review rerun")
	r.start(job)
	return job, nil
}

// RecoverInterrupted fails jobs a previous process left pending or
// running, so their pollers reach a terminal state.
func (r *Runner) RecoverInterrupted() (int64, error) {
	n, err := r.store.MarkInterrupted(InterruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if n > 0 {
		log.Warn().Str("component", "runner").Int64("jobs", n).Msg("marked interrupted jobs as failed")
	}
	return n, nil
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Shutdown cancels in-flight runs and waits for them, bounded by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start registers the run's broadcaster before the goroutine exists, so a
// client attaching right after Submit returns finds it.
func (r *Runner) start(job *domain.Job) {
	b := r.registry.Create(job.ID)
	r.wg.Add(1)
	go r.run(job, b)
}

// ─── Run ────────────────────────────────────────────────────────────────────

type failure struct {
	reason string
	err    error
}

func (r *Runner) run(job *domain.Job, b *broadcast.Broadcaster) {
	defer r.wg.Done()
	defer r.registry.Release(b)

	metrics.JobsStarted.Inc()
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()
	started := time.Now()

	inf := progress.NewInferencer(b.Publish, r.cfg.Progress)

	if err := r.store.UpdateJobStatus(job.ID, domain.JobRunning, ""); err != nil {
		r.fail(job, inf, failure{"persist", fmt.Errorf("mark running: %w", err)})
		return
	}
	inf.Start()

	primary, supplementary, err := r.gather(r.ctx, job)
	if err != nil {
		r.fail(job, inf, failure{"extract", err})
		return
	}

	req := ComposeRequest(job, primary, supplementary, r.cfg.Prompt)
	msgs, err := r.engine.Run(r.ctx, req)
	if err != nil {
		r.fail(job, inf, failure{"engine", fmt.Errorf("start engine: %w", err)})
		return
	}

	var outcome domain.EngineMessage
	for m := range msgs {
		metrics.EngineMessages.WithLabelValues(domain.MessageKind(m)).Inc()
		switch m.(type) {
		case domain.TerminalSuccess, domain.TerminalFailure:
			outcome = m
		default:
			inf.Observe(m)
		}
	}

	switch t := outcome.(type) {
	case domain.TerminalSuccess:
		if err := r.finish(job, inf, t, started); err != nil {
			r.fail(job, inf, failure{"persist", err})
			return
		}
	case domain.TerminalFailure:
		r.fail(job, inf, failure{"engine", errors.New(t.Message)})
	default:
		err := domain.ErrEngineNoResult
		if r.ctx.Err() != nil {
			err = errors.New("review cancelled by server shutdown")
		}
		r.fail(job, inf, failure{"engine", err})
	}
}

// gather extracts the primary document (fatal on failure) and the
// supplementary documents in parallel (failures skipped with a warning).
func (r *Runner) gather(ctx context.Context, job *domain.Job) (Material, []Material, error) {
	src, ok := job.Primary()
	if !ok {
		return Material{}, nil, domain.ErrDocumentRequired
	}
	text, err := r.extractor.Extract(ctx, src.Path)
	if err != nil {
		return Material{}, nil, fmt.Errorf("extract %s: %w", src.Name, err)
	}
	primary := Material{Source: src, Text: text}

	supp := job.Supplementary()
	results := make([]*Material, len(supp))
	var g errgroup.Group
	g.SetLimit(r.cfg.ExtractParallel)
	for i, s := range supp {
		i, s := i, s
		g.Go(func() error {
			text, err := r.extractor.Extract(ctx, s.Path)
			if err != nil {
				log.Warn().Str("component", "runner").Str("job", job.ID).Str("source", s.Name).Err(err).
					Msg("skipping supplementary document")
				return nil
			}
			results[i] = &Material{Source: s, Text: text}
			return nil
		})
	}
	_ = g.Wait()

	var out []Material
	for _, m := range results {
		if m != nil {
			out = append(out, *m)
		}
	}
	return primary, out, nil
}

// finish persists output and usage, marks the job completed and only then
// announces completion, so a client reacting to the event reads the final
// state.
func (r *Runner) finish(job *domain.Job, inf *progress.Inferencer, res domain.TerminalSuccess, started time.Time) error {
	total := res.Usage
	if total.IsZero() {
		total = inf.Session()
	}
	usage := domain.SessionUsage{
		Total:            total,
		CostUSD:          res.CostUSD,
		EstimatedCostUSD: inf.EstimatedCost(),
		DurationMS:       res.DurationMS,
		NumTurns:         res.NumTurns,
		Models:           res.Models,
		Subtasks:         inf.Subtasks(),
	}
	if usage.DurationMS == 0 {
		usage.DurationMS = time.Since(started).Milliseconds()
	}

	if err := r.store.SaveOutput(job.ID, res.Result); err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	if err := r.store.SaveUsage(job.ID, usage); err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	if err := r.store.UpdateJobStatus(job.ID, domain.JobCompleted, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	inf.Complete()

	metrics.JobsCompleted.Inc()
	metrics.JobDuration.Observe(time.Since(started).Seconds())
	metrics.CostUSD.Add(res.CostUSD)
	metrics.Tokens.WithLabelValues("input").Add(float64(total.InputTokens))
	metrics.Tokens.WithLabelValues("output").Add(float64(total.OutputTokens))
	metrics.Tokens.WithLabelValues("cache_read").Add(float64(total.CacheReadInputTokens))
	metrics.Tokens.WithLabelValues("cache_creation").Add(float64(total.CacheCreationInputTokens))

	log.Info().Str("component", "runner").Str("job", job.ID).
		Int64("tokens", total.Total()).Float64("cost_usd", res.CostUSD).
		Dur("elapsed", time.Since(started)).Msg("review completed")
	return nil
}

func (r *Runner) fail(job *domain.Job, inf *progress.Inferencer, f failure) {
	msg := f.err.Error()
	if err := r.store.UpdateJobStatus(job.ID, domain.JobError, msg); err != nil {
		log.Error().Str("component", "runner").Str("job", job.ID).Err(err).Msg("could not record failure")
	}
	inf.Fail(f.err)
	metrics.JobsFailed.WithLabelValues(f.reason).Inc()
	log.Error().Str("component", "runner").Str("job", job.ID).Str("reason", f.reason).Err(f.err).Msg("review failed")
}
