package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phuslu/log"

	"github.com/tutu-network/docreview/internal/broadcast"
	"github.com/tutu-network/docreview/internal/domain"
	"github.com/tutu-network/docreview/internal/infra/metrics"
)

// errAttachTimeout ends a stream whose job never started publishing.
var errAttachTimeout = errors.New("review did not start within the attach window")

// ─── Per-client feed ────────────────────────────────────────────────────────

// feed is one client's bounded queue between a broadcaster and its socket.
// The broadcaster never blocks on it: a full queue drops the event.
type feed struct {
	events chan domain.ProgressEvent
	done   <-chan struct{}
	cancel func()
}

func newFeed(b *broadcast.Broadcaster, size int, transport string) (*feed, error) {
	events := make(chan domain.ProgressEvent, size)
	jobID := b.JobID()
	unsubscribe, err := b.Subscribe(func(ev domain.ProgressEvent) error {
		select {
		case events <- ev:
		default:
			metrics.EventsDropped.Inc()
			log.Debug().Str("component", "stream").Str("job", jobID).Str("type", string(ev.Type)).
				Msg("client lagging, event dropped")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	gauge := metrics.StreamSubscribers.WithLabelValues(transport)
	gauge.Inc()
	var once sync.Once
	return &feed{
		events: events,
		done:   b.Done(),
		cancel: func() {
			once.Do(func() {
				unsubscribe()
				gauge.Dec()
			})
		},
	}, nil
}

// sink is the transport a feed is written to.
type sink interface {
	send(ev domain.ProgressEvent) error
	keepalive() error
}

// completeFor synthesizes the complete event of a terminal job.
func completeFor(job *domain.Job) domain.ProgressEvent {
	return domain.NewCompleteEvent(time.Now(), job.Status, job.Error)
}

// ─── Feed lifecycle (shared by SSE and WebSocket) ───────────────────────────

// openFeed resolves the job and, when its broadcaster is already
// registered, attaches to it. The returned status is the HTTP code to
// answer with when err is non-nil.
func (s *Server) openFeed(id, transport string) (*domain.Job, *feed, int, error) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return nil, nil, http.StatusInternalServerError, err
	}
	if job == nil {
		return nil, nil, http.StatusNotFound, domain.ErrJobNotFound
	}
	if job.IsTerminal() {
		return job, nil, 0, nil
	}
	b, ok := s.registry.Get(id)
	if !ok {
		return job, nil, 0, nil
	}
	f, err := newFeed(b, s.cfg.Stream.ClientBuffer, transport)
	switch {
	case err == nil:
		return job, f, 0, nil
	case errors.Is(err, domain.ErrTooManySubscribers):
		return nil, nil, http.StatusServiceUnavailable, err
	default:
		// torn down between Get and Subscribe; wait for the next run
		return job, nil, 0, nil
	}
}

// serveFeed drives one client until the job's complete event has been
// written, the client goes away, or attaching times out. f may be nil when
// the job's run has not registered its broadcaster yet.
func (s *Server) serveFeed(ctx context.Context, job *domain.Job, f *feed, out sink, transport string) error {
	if job.IsTerminal() {
		return out.send(completeFor(job))
	}

	keepalive := time.NewTicker(s.cfg.Stream.Keepalive)
	defer keepalive.Stop()

	waited := false
	for {
		if f == nil {
			if !waited {
				waited = true
				ev := domain.NewPhaseEvent(time.Now(), domain.PhaseUnderstanding, domain.WaitingMessage)
				if err := out.send(ev); err != nil {
					return err
				}
			}
			var final *domain.Job
			var err error
			f, final, err = s.awaitFeed(ctx, job.ID, out, keepalive.C, transport)
			if err != nil {
				return err
			}
			if final != nil {
				return out.send(completeFor(final))
			}
		}

		// A run that finished before this client attached has already
		// published its complete event.
		if cur, err := s.store.GetJob(job.ID); err == nil && cur != nil && cur.IsTerminal() {
			f.cancel()
			return out.send(completeFor(cur))
		}

		finished, err := forward(ctx, f, out, keepalive.C)
		f.cancel()
		if err != nil || finished {
			return err
		}
		// Broadcaster torn down without a complete event (replaced by a
		// rerun); look for the next one.
		f = nil
	}
}

// awaitFeed polls for the job's broadcaster. It returns a feed once one is
// attached, or the job itself once it is found terminal.
func (s *Server) awaitFeed(ctx context.Context, id string, out sink, keepalive <-chan time.Time, transport string) (*feed, *domain.Job, error) {
	poll := time.NewTicker(s.cfg.Stream.AttachPoll)
	defer poll.Stop()
	deadline := time.NewTimer(s.cfg.Stream.AttachMaxWait)
	defer deadline.Stop()

	for {
		if b, ok := s.registry.Get(id); ok {
			f, err := newFeed(b, s.cfg.Stream.ClientBuffer, transport)
			if err == nil {
				return f, nil, nil
			}
			if !errors.Is(err, broadcast.ErrClosed) {
				return nil, nil, err
			}
		}

		job, err := s.store.GetJob(id)
		if err != nil {
			return nil, nil, err
		}
		if job == nil {
			return nil, nil, domain.ErrJobNotFound
		}
		if job.IsTerminal() {
			return nil, job, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-deadline.C:
			return nil, nil, errAttachTimeout
		case <-keepalive:
			if err := out.keepalive(); err != nil {
				return nil, nil, err
			}
		case <-poll.C:
		}
	}
}

// forward copies queued events to out. finished is true once the complete
// event has been written.
func forward(ctx context.Context, f *feed, out sink, keepalive <-chan time.Time) (finished bool, err error) {
	write := func(ev domain.ProgressEvent) (bool, error) {
		if err := out.send(ev); err != nil {
			return false, err
		}
		return ev.Type == domain.EventComplete, nil
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev := <-f.events:
			if done, err := write(ev); done || err != nil {
				return done, err
			}
		case <-keepalive:
			if err := out.keepalive(); err != nil {
				return false, err
			}
		case <-f.done:
			// drain what was queued before teardown
			for {
				select {
				case ev := <-f.events:
					if done, err := write(ev); done || err != nil {
						return done, err
					}
				default:
					return false, nil
				}
			}
		}
	}
}

func logStreamEnd(id, transport string, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Debug().Str("component", "stream").Str("job", id).Str("transport", transport).Msg("stream closed")
	default:
		log.Warn().Str("component", "stream").Str("job", id).Str("transport", transport).Err(err).Msg("stream ended")
	}
}

// ─── Server-Sent Events ─────────────────────────────────────────────────────

type sseSink struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseSink) send(ev domain.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) keepalive() error {
	if _, err := io.WriteString(s.w, ":keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleStream serves GET /reviews/{id}/stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	job, f, status, err := s.openFeed(id, "sse")
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	// Idle gaps between keepalives must not trip the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = s.serveFeed(r.Context(), job, f, &sseSink{w: w, flusher: flusher}, "sse")
	logStreamEnd(id, "sse", err)
}
