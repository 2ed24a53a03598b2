// Package broadcast fans one job's progress events out to its live
// observers. Each running job owns exactly one Broadcaster; the Registry
// maps job ids to broadcasters and tears them down after a grace period.
package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"github.com/phuslu/log"

	"github.com/tutu-network/docreview/internal/domain"
	"github.com/tutu-network/docreview/internal/infra/metrics"
)

// DefaultMaxListeners caps the observers attached to one job.
const DefaultMaxListeners = 20

// ErrClosed is returned when subscribing to a broadcaster whose job has
// already finished publishing.
var ErrClosed = errors.New("broadcaster closed")

// Listener receives each published event. A returned error is logged and
// the listener stays attached; only its owner removes it.
type Listener func(domain.ProgressEvent) error

type entry struct {
	id uint64
	fn Listener
}

// Broadcaster is an observer list for one job. A single mutex guards both
// listener-set mutation and publication, so a listener never observes a
// partially updated set. Listeners must not block.
type Broadcaster struct {
	jobID string
	max   int

	mu        sync.Mutex
	listeners []entry
	nextID    uint64
	closed    bool
	done      chan struct{}
}

// New creates a broadcaster for jobID with at most maxListeners observers.
func New(jobID string, maxListeners int) *Broadcaster {
	if maxListeners <= 0 {
		maxListeners = DefaultMaxListeners
	}
	return &Broadcaster{
		jobID: jobID,
		max:   maxListeners,
		done:  make(chan struct{}),
	}
}

// JobID returns the job this broadcaster belongs to.
func (b *Broadcaster) JobID() string { return b.jobID }

// Subscribe attaches fn and returns the function that detaches it.
// Calling cancel more than once is harmless.
func (b *Broadcaster) Subscribe(fn Listener) (cancel func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if len(b.listeners) >= b.max {
		return nil, fmt.Errorf("job %s: %w", b.jobID, domain.ErrTooManySubscribers)
	}
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, entry{id: id, fn: fn})

	var once sync.Once
	return func() { once.Do(func() { b.remove(id) }) }, nil
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.listeners {
		if e.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every listener in attachment order. A failing or
// panicking listener does not prevent delivery to the others.
func (b *Broadcaster) Publish(ev domain.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	for _, e := range b.listeners {
		b.deliver(e, ev)
	}
}

func (b *Broadcaster) deliver(e entry, ev domain.ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerErrors.Inc()
			log.Warn().Str("component", "broadcast").Str("job", b.jobID).
				Uint64("listener", e.id).Interface("panic", r).Msg("listener panicked")
		}
	}()
	if err := e.fn(ev); err != nil {
		metrics.ListenerErrors.Inc()
		log.Warn().Str("component", "broadcast").Str("job", b.jobID).
			Uint64("listener", e.id).Err(err).Msg("listener failed")
	}
}

// Len returns the number of attached listeners.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Done is closed once the broadcaster is torn down.
func (b *Broadcaster) Done() <-chan struct{} { return b.done }

// Close stops accepting subscribers and closes Done. Attached listeners
// are left to detach themselves.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
