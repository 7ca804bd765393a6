// internal/session/controller.go
//
// The session controller is the boundary the UI layer talks to. One
// controller per execution context, owning exactly one (roomID, local
// participant name) pair. Locally dispatched operations apply
// synchronously and optimistically: the controller adopts the transition
// result immediately, then persists it without blocking further reads.
// Changes written by other contexts arrive through the notifier and
// replace the local document wholesale; there is no diffing and no merge.
package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tabpoker/tabpoker/internal/room"
	"github.com/tabpoker/tabpoker/internal/storage"
)

// Controller mediates between the UI, the transition engine, and the
// shared store for one execution context.
type Controller struct {
	store    storage.Store
	roomID   string
	userName string
	log      *logrus.Logger

	mu          sync.Mutex
	state       room.State
	loaded      bool
	closed      bool
	unsubscribe func()
}

// New builds a controller for roomID, hydrates it with a single read, and
// subscribes it to remote changes. A missing or unreadable document leaves
// the controller unloaded; a later CreateRoom dispatch or a remote write
// can still load it.
func New(ctx context.Context, store storage.Store, notifier storage.Notifier, roomID, userName string, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Controller{
		store:    store,
		roomID:   roomID,
		userName: userName,
		log:      logger,
		state:    room.NewState(),
	}

	s, ok, err := store.Read(ctx, roomID)
	if err != nil {
		logger.WithFields(logrus.Fields{"room": roomID, "error": err}).Warn("hydration read failed; starting unloaded")
	} else if ok {
		c.state = s
		c.loaded = true
	}

	c.unsubscribe = notifier.Subscribe(c.onChange)
	return c
}

// RoomID returns the room key this controller is bound to.
func (c *Controller) RoomID() string { return c.roomID }

// UserName returns the local participant's name.
func (c *Controller) UserName() string { return c.userName }

// State returns the current room document and whether one is loaded.
func (c *Controller) State() (room.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.loaded
}

// Dispatch applies op to the current state, adopts the result immediately,
// then persists it before returning. The lock is released ahead of the
// write, so State() never waits on the store. Nothing is reported about
// remote propagation. Dispatch after Close is a no-op.
func (c *Controller) Dispatch(op room.Op) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	next := room.Apply(c.state, op)
	c.state = next
	c.loaded = next.Loaded()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"room": c.roomID, "user": c.userName, "op": op.Name()}).Debug("applied operation")
	c.persist()
}

// persist runs on the dispatching goroutine, so one context's writes reach
// the store in dispatch order and the store always ends on the newest
// document this context holds. The lock is not held across the write,
// keeping reads responsive while a slow write is in flight. A failed write
// is logged once and not retried: the local state stays authoritative and
// the next dispatch re-attempts with the then-current document.
func (c *Controller) persist() {
	c.mu.Lock()
	s := c.state
	skip := c.closed || !c.loaded
	c.mu.Unlock()
	if skip {
		return
	}

	if err := c.store.Write(context.Background(), c.roomID, s); err != nil {
		c.log.WithFields(logrus.Fields{"room": c.roomID, "error": err}).Warn("failed to persist room document")
	}
}

// onChange handles a change notification. Only the watched key matters;
// the controller re-reads through the store and replaces its state with
// whatever is there now — the incoming document always wins, including the
// case where the document is gone and the controller drops to unloaded.
func (c *Controller) onChange(ch storage.Change) {
	if ch.Key != c.roomID {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	s, ok, err := c.store.Read(context.Background(), c.roomID)
	if err != nil {
		c.log.WithFields(logrus.Fields{"room": c.roomID, "error": err}).Warn("failed to re-read after change notification")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !ok {
		c.state = room.NewState()
		c.loaded = false
		return
	}
	c.state = s
	c.loaded = true
}

// Close unsubscribes from the notifier. After Close the controller ignores
// both dispatches and late notifications.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
