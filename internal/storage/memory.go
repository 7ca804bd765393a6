// internal/storage/memory.go
package storage

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tabpoker/tabpoker/internal/room"
)

// Memory is the in-process backend: one shared document map standing in for
// the origin-local key-value store, with change fan-out standing in for the
// platform's storage event. It is the canonical backend for tests and the
// simulator.
//
// Each execution context gets its own *MemoryContext from Context(). A
// write through one context notifies the subscribers of every other
// context, never its own — the defining property of the storage event.
type Memory struct {
	mu      sync.Mutex
	docs    map[string][]byte
	subs    map[int]*memorySub
	nextSub int
	nextCtx int
	log     *logrus.Logger
}

type memorySub struct {
	ctxID int
	fn    func(Change)
}

// NewMemory returns an empty shared store.
func NewMemory(logger *logrus.Logger) *Memory {
	if logger == nil {
		logger = logrus.New()
	}
	return &Memory{
		docs: make(map[string][]byte),
		subs: make(map[int]*memorySub),
		log:  logger,
	}
}

// Context binds a new execution context to the shared store. The returned
// value implements both Store and Notifier for that context.
func (m *Memory) Context() *MemoryContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCtx++
	return &MemoryContext{mem: m, id: m.nextCtx}
}

// MemoryContext is one execution context's view of a Memory store.
type MemoryContext struct {
	mem *Memory
	id  int
}

// Read loads and decodes the document at roomID. A corrupt document is
// logged and reported as absent.
func (c *MemoryContext) Read(_ context.Context, roomID string) (room.State, bool, error) {
	c.mem.mu.Lock()
	data, ok := c.mem.docs[roomID]
	c.mem.mu.Unlock()
	if !ok {
		return room.State{}, false, nil
	}
	s, err := decode(data)
	if err != nil {
		c.mem.log.WithFields(logrus.Fields{"key": roomID, "error": err}).Warn("discarding corrupt room document")
		return room.State{}, false, nil
	}
	return s, true, nil
}

// Write replaces the document at roomID and notifies every other context.
// Delivery is synchronous here; the platform primitive this models delivers
// at an unspecified later point, so callers must not rely on either timing.
func (c *MemoryContext) Write(_ context.Context, roomID string, s room.State) error {
	data, err := encode(s)
	if err != nil {
		return err
	}

	c.mem.mu.Lock()
	c.mem.docs[roomID] = data
	targets := make([]func(Change), 0, len(c.mem.subs))
	for _, sub := range c.mem.subs {
		if sub.ctxID != c.id {
			targets = append(targets, sub.fn)
		}
	}
	c.mem.mu.Unlock()

	// Dispatch outside the lock; a callback may re-enter Read.
	for _, fn := range targets {
		fn(Change{Key: roomID, NewValue: data})
	}
	return nil
}

// Delete removes the document at roomID and notifies every other context
// with an empty NewValue. The backing platform may evict entries at any
// time; this models that clearing so readers can exercise the
// document-vanished path.
func (c *MemoryContext) Delete(_ context.Context, roomID string) {
	c.mem.mu.Lock()
	delete(c.mem.docs, roomID)
	targets := make([]func(Change), 0, len(c.mem.subs))
	for _, sub := range c.mem.subs {
		if sub.ctxID != c.id {
			targets = append(targets, sub.fn)
		}
	}
	c.mem.mu.Unlock()

	for _, fn := range targets {
		fn(Change{Key: roomID})
	}
}

// Subscribe registers fn for changes written by other contexts.
func (c *MemoryContext) Subscribe(fn func(Change)) func() {
	c.mem.mu.Lock()
	c.mem.nextSub++
	id := c.mem.nextSub
	c.mem.subs[id] = &memorySub{ctxID: c.id, fn: fn}
	c.mem.mu.Unlock()

	return func() {
		c.mem.mu.Lock()
		delete(c.mem.subs, id)
		c.mem.mu.Unlock()
	}
}
