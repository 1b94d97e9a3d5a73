// Package ctrlplane implements the operation-context registry: a map from
// a submitter-assigned op_id to a one-shot result slot that a poller
// publishes into and the submitter waits on.
package ctrlplane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrDoubleSet is returned by Ctx.SetResult when a result has already been
// published for this context.
var ErrDoubleSet = errors.New("ctrlplane: result already set")

// ErrTornDown is returned by Ctx.Wait when the registry is closed before a
// result arrives.
var ErrTornDown = errors.New("ctrlplane: context torn down")

// Ctx is a single pending operation's result slot.
type Ctx struct {
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	result bool
	set    bool
	torn   bool
}

func newCtx() *Ctx {
	return &Ctx{done: make(chan struct{})}
}

// SetResult publishes success and wakes any waiter. A second call returns
// ErrDoubleSet without altering the published result.
func (c *Ctx) SetResult(success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set || c.torn {
		return ErrDoubleSet
	}
	c.result = success
	c.set = true
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Ctx) tearDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set || c.torn {
		return
	}
	c.torn = true
	c.once.Do(func() { close(c.done) })
}

// Wait blocks until SetResult is called, the registry is torn down, or ctx
// expires. Expiry does not remove the context: a late response is still
// allowed to arrive and is dropped by the registry if no one is waiting
// anymore.
func (c *Ctx) Wait(ctx context.Context) (bool, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.torn {
			return false, ErrTornDown
		}
		return c.result, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Registry owns the op_id allocator and the op_id -> Ctx map. Reads are
// far more frequent than writes (a poller looks up a context on every
// completion; only submit/consume mutate the map), so it is guarded by an
// RWMutex.
type Registry struct {
	nextOpID atomic.Uint32
	mu       sync.RWMutex
	ctxs     map[uint32]*Ctx
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ctxs: make(map[uint32]*Ctx)}
}

// Alloc reserves a fresh op_id and installs its context.
func (r *Registry) Alloc() (uint32, *Ctx) {
	opID := r.nextOpID.Add(1)
	c := newCtx()
	r.mu.Lock()
	r.ctxs[opID] = c
	r.mu.Unlock()
	return opID, c
}

// Lookup finds the context for opID, if any is still installed.
func (r *Registry) Lookup(opID uint32) (*Ctx, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.ctxs[opID]
	return c, ok
}

// Remove uninstalls opID's context. Callers remove after consuming a
// result (or after giving up on waiting) so the map doesn't grow
// unbounded.
func (r *Registry) Remove(opID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ctxs, opID)
}

// TeardownAll resolves every outstanding context with ErrTornDown and
// clears the map; called when the owning Device shuts down.
func (r *Registry) TeardownAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for opID, c := range r.ctxs {
		c.tearDown()
		delete(r.ctxs, opID)
	}
}
