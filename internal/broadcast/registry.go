package broadcast

import (
	"sync"
	"time"

	"github.com/phuslu/log"
)

// DefaultGrace is how long a finished job's broadcaster stays registered
// so trailing events reach clients before teardown.
const DefaultGrace = 3 * time.Second

// Registry maps job ids to their live broadcasters. It is owned by the
// runner subsystem and shared with the streaming endpoint at wiring time.
type Registry struct {
	maxListeners int
	grace        time.Duration

	mu    sync.Mutex
	items map[string]*Broadcaster
}

// NewRegistry creates an empty registry.
func NewRegistry(maxListeners int, grace time.Duration) *Registry {
	if grace < 0 {
		grace = 0
	}
	return &Registry{
		maxListeners: maxListeners,
		grace:        grace,
		items:        make(map[string]*Broadcaster),
	}
}

// Create registers a fresh broadcaster for jobID, replacing any earlier
// one still waiting out its grace period.
func (r *Registry) Create(jobID string) *Broadcaster {
	b := New(jobID, r.maxListeners)

	r.mu.Lock()
	old := r.items[jobID]
	r.items[jobID] = b
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return b
}

// Get returns the registered broadcaster for jobID, if any.
func (r *Registry) Get(jobID string) (*Broadcaster, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.items[jobID]
	return b, ok
}

// Release schedules removal of b after the grace period. A newer
// broadcaster registered for the same job in the meantime is untouched.
func (r *Registry) Release(b *Broadcaster) {
	teardown := func() {
		r.mu.Lock()
		if cur, ok := r.items[b.jobID]; ok && cur == b {
			delete(r.items, b.jobID)
		}
		r.mu.Unlock()
		b.Close()
		log.Debug().Str("component", "broadcast").Str("job", b.jobID).Msg("broadcaster released")
	}
	if r.grace == 0 {
		teardown()
		return
	}
	time.AfterFunc(r.grace, teardown)
}

// Len returns the number of registered broadcasters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
