package call

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrSessionLimit is returned by Acquire when the configured maximum of
// concurrent calls is already active. The transport layer turns this into a
// "try again later" close before any start frame is processed.
var ErrSessionLimit = fmt.Errorf("call: concurrent call limit reached")

// drainPoll is how often Drain re-checks the active count.
const drainPoll = 50 * time.Millisecond

// Registry is the process-wide view of live calls: the admission gate and
// the stream-id lookup. Safe for concurrent use.
type Registry struct {
	max int

	mu       sync.Mutex
	active   int
	sessions map[string]*Session
}

// NewRegistry creates a registry admitting at most max concurrent calls.
// max <= 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{
		max:      max,
		sessions: make(map[string]*Session),
	}
}

// Acquire claims an admission slot before any per-call state exists. Returns
// ErrSessionLimit when the process is at capacity. Every successful Acquire
// must be paired with exactly one Release.
func (r *Registry) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && r.active >= r.max {
		return ErrSessionLimit
	}
	r.active++
	return nil
}

// Release frees an admission slot. Called only after the session's cleanup
// has fully run, so the slot never frees while resources are still held.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active > 0 {
		r.active--
	}
}

// Active returns the number of admitted calls.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Register binds a started session to its stream id.
func (r *Registry) Register(streamSid string, s *Session) {
	if streamSid == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[streamSid] = s
}

// Unregister drops the stream-id binding. Unknown ids are a noop, so cleanup
// stays idempotent.
func (r *Registry) Unregister(streamSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, streamSid)
}

// Lookup returns the session bound to a stream id, or nil.
func (r *Registry) Lookup(streamSid string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[streamSid]
}

// Drain blocks until every admitted call has released its slot or the
// context expires. Used by graceful shutdown after the listener stops
// accepting new connections.
func (r *Registry) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		if r.Active() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("call: draining sessions: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
