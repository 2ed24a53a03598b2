package client

import (
	"context"
	"errors"
	"time"

	"github.com/phuslu/log"

	"github.com/tutu-network/docreview/internal/domain"
)

// WatcherConfig tunes push/poll reconciliation.
type WatcherConfig struct {
	ErrorThreshold int           // consecutive stream errors before polling
	PollInterval   time.Duration // status poll cadence once streaming is abandoned
	CompleteDelay  time.Duration // pause after a successful complete event
	RetryDelay     time.Duration // pause before reopening a failed stream
}

// DefaultWatcherConfig returns the standard settings.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		ErrorThreshold: 3,
		PollInterval:   3 * time.Second,
		CompleteDelay:  time.Second,
		RetryDelay:     time.Second,
	}
}

// Source tells how a watch learned the final status.
type Source string

const (
	SourceInitial Source = "initial" // already terminal when the watch began
	SourceStream  Source = "stream"
	SourcePoll    Source = "poll"
)

// Outcome is the final status of a watched job.
type Outcome struct {
	Status domain.JobStatus
	Error  string
	Source Source
}

// Watcher follows one job to its terminal status, preferring the push
// stream and falling back to polling the status endpoint.
type Watcher struct {
	client *Client
	cfg    WatcherConfig

	// OnUpdate, when set, receives a copy of the state after every
	// applied event. Called on the Run goroutine.
	OnUpdate func(State)
	// OnFallback, when set, is called once when polling takes over.
	OnFallback func(reason error)
}

// NewWatcher creates a watcher. Zero config fields fall back to defaults.
func NewWatcher(c *Client, cfg WatcherConfig) *Watcher {
	def := DefaultWatcherConfig()
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CompleteDelay <= 0 {
		cfg.CompleteDelay = def.CompleteDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Watcher{client: c, cfg: cfg}
}

// Run watches jobID until it is terminal or ctx ends. A job that is
// already terminal returns at once without opening a stream.
func (w *Watcher) Run(ctx context.Context, jobID string) (Outcome, error) {
	sum, err := w.client.Status(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	if sum.Status == domain.JobCompleted || sum.Status == domain.JobError {
		return Outcome{Status: sum.Status, Error: sum.Error, Source: SourceInitial}, nil
	}

	state := NewState()
	out, reason, err := w.stream(ctx, jobID, state)
	if err != nil {
		return Outcome{}, err
	}
	if out != nil {
		return *out, nil
	}

	log.Debug().Str("component", "watcher").Str("job", jobID).Err(reason).Msg("falling back to polling")
	if w.OnFallback != nil {
		w.OnFallback(reason)
	}
	return w.poll(ctx, jobID)
}

// stream consumes push events. It returns an outcome once a complete event
// arrives, or the fallback reason when polling should take over.
func (w *Watcher) stream(ctx context.Context, jobID string, state *State) (out *Outcome, fallback error, err error) {
	failures := 0
	for {
		es, err := w.client.Stream(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			var se *StatusError
			if errors.As(err, &se) {
				// the server refused outright; retrying will not help
				return nil, err, nil
			}
			failures++
			log.Debug().Str("component", "watcher").Str("job", jobID).Int("failures", failures).Err(err).Msg("stream open failed")
		} else {
			out, err := w.consume(ctx, es, state, &failures)
			es.Close()
			if out != nil {
				return out, nil, nil
			}
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			failures++
			log.Debug().Str("component", "watcher").Str("job", jobID).Int("failures", failures).Err(err).Msg("stream interrupted")
		}

		if failures >= w.cfg.ErrorThreshold {
			return nil, errors.New("too many consecutive stream errors"), nil
		}
		if err := sleep(ctx, w.cfg.RetryDelay); err != nil {
			return nil, nil, err
		}
	}
}

// consume applies events until the stream ends or delivers complete.
// failures is reset on every event the state accepts.
func (w *Watcher) consume(ctx context.Context, es *EventStream, state *State, failures *int) (*Outcome, error) {
	for {
		ev, err := es.Next()
		if errors.Is(err, ErrMalformedFrame) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := state.Apply(ev); err != nil {
			continue
		}
		*failures = 0
		if w.OnUpdate != nil {
			w.OnUpdate(state.Clone())
		}
		if ev.Type != domain.EventComplete {
			continue
		}

		if state.Status == domain.JobCompleted {
			if err := sleep(ctx, w.cfg.CompleteDelay); err != nil {
				return nil, err
			}
		}
		return &Outcome{Status: state.Status, Error: state.Error, Source: SourceStream}, nil
	}
}

// poll checks the status endpoint until the job is terminal. Transient
// poll errors are logged and retried on the next tick.
func (w *Watcher) poll(ctx context.Context, jobID string) (Outcome, error) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		sum, err := w.client.Status(ctx, jobID)
		switch {
		case err == nil && (sum.Status == domain.JobCompleted || sum.Status == domain.JobError):
			return Outcome{Status: sum.Status, Error: sum.Error, Source: SourcePoll}, nil
		case errors.Is(err, domain.ErrJobNotFound):
			return Outcome{}, err
		case err != nil && ctx.Err() == nil:
			log.Debug().Str("component", "watcher").Str("job", jobID).Err(err).Msg("status poll failed")
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
