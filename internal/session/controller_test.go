// internal/session/controller_test.go
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabpoker/tabpoker/internal/room"
	"github.com/tabpoker/tabpoker/internal/storage"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// flakyStore wraps a real backend and fails writes on demand, standing in
// for a full or disabled store.
type flakyStore struct {
	inner      storage.Store
	mu         sync.Mutex
	failWrites bool
	writeErrs  int
}

func (f *flakyStore) Read(ctx context.Context, roomID string) (room.State, bool, error) {
	return f.inner.Read(ctx, roomID)
}

func (f *flakyStore) Write(ctx context.Context, roomID string, s room.State) error {
	f.mu.Lock()
	fail := f.failWrites
	if fail {
		f.writeErrs++
	}
	f.mu.Unlock()
	if fail {
		return errors.New("quota exceeded")
	}
	return f.inner.Write(ctx, roomID, s)
}

// gatedStore holds its first write in flight until released, so a test can
// make an earlier write slow relative to a later dispatch.
type gatedStore struct {
	inner storage.Store
	gate  chan struct{}
	once  sync.Once
}

func (g *gatedStore) Read(ctx context.Context, roomID string) (room.State, bool, error) {
	return g.inner.Read(ctx, roomID)
}

func (g *gatedStore) Write(ctx context.Context, roomID string, s room.State) error {
	g.once.Do(func() { <-g.gate })
	return g.inner.Write(ctx, roomID, s)
}

// manualNotifier lets a test fire change notifications by hand.
type manualNotifier struct {
	mu   sync.Mutex
	subs map[int]func(storage.Change)
	next int
}

func newManualNotifier() *manualNotifier {
	return &manualNotifier{subs: make(map[int]func(storage.Change))}
}

func (n *manualNotifier) Subscribe(fn func(storage.Change)) func() {
	n.mu.Lock()
	n.next++
	id := n.next
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *manualNotifier) subscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func createOp(roomID string) room.CreateRoom {
	return room.CreateRoom{
		RoomID:      roomID,
		RoomName:    "Sprint 5",
		CreatorName: "Alice",
		CreatorRole: room.RolePlayer,
	}
}

func TestControllerHydratesOnStartup(t *testing.T) {
	mem := storage.NewMemory(testLogger())
	ctx := context.Background()
	seed := mem.Context()
	require.NoError(t, seed.Write(ctx, "room-r1", room.Apply(room.NewState(), createOp("room-r1"))))

	tab := mem.Context()
	c := New(ctx, tab, tab, "room-r1", "Bob", testLogger())
	defer c.Close()

	s, ok := c.State()
	require.True(t, ok)
	assert.Equal(t, "Sprint 5", s.RoomName)
	assert.Contains(t, s.Participants, "Alice")
}

func TestControllerStartsUnloadedWithoutDocument(t *testing.T) {
	mem := storage.NewMemory(testLogger())
	tab := mem.Context()

	c := New(context.Background(), tab, tab, "room-r1", "Alice", testLogger())
	defer c.Close()

	_, ok := c.State()
	assert.False(t, ok)
}

func TestControllerAppliesOptimistically(t *testing.T) {
	mem := storage.NewMemory(testLogger())
	fs := &flakyStore{inner: mem.Context(), failWrites: true}
	n := newManualNotifier()

	// Writes fail from the start: the local state must still advance.
	c := New(context.Background(), fs, n, "room-r1", "Alice", testLogger())
	defer c.Close()

	c.Dispatch(createOp("room-r1"))

	s, ok := c.State()
	require.True(t, ok, "dispatch adopts the result before any persistence happens")
	assert.Equal(t, "room-r1", s.RoomID)

	assert.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.writeErrs >= 1
	}, time.Second, 10*time.Millisecond, "the failed write is attempted and reported, not retried")
}

func TestControllerRecoversAfterWriteFailure(t *testing.T) {
	mem := storage.NewMemory(testLogger())
	tab := mem.Context()
	fs := &flakyStore{inner: tab, failWrites: true}
	n := newManualNotifier()
	ctx := context.Background()

	c := New(ctx, fs, n, "room-r1", "Alice", testLogger())
	defer c.Close()

	c.Dispatch(createOp("room-r1"))
	assert.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.writeErrs >= 1
	}, time.Second, 10*time.Millisecond)

	// Store recovers; the next local action carries the full current state,
	// closing the durability gap left by the lost write.
	fs.mu.Lock()
	fs.failWrites = false
	fs.mu.Unlock()
	c.Dispatch(room.AddParticipant{ParticipantName: "Bob", Role: room.RolePlayer})

	reader := mem.Context()
	assert.Eventually(t, func() bool {
		s, ok, err := reader.Read(ctx, "room-r1")
		if err != nil || !ok {
			return false
		}
		_, alice := s.Participants["Alice"]
		_, bob := s.Participants["Bob"]
		return alice && bob
	}, time.Second, 10*time.Millisecond)
}

func TestPersistFollowsDispatchOrder(t *testing.T) {
	// A slow earlier write must never land after a later one: the writer
	// hears no notification for its own writes, so a store left on a stale
	// document would diverge from this context forever. Writes run on the
	// dispatching goroutine, which keeps per-context write order equal to
	// dispatch order.
	mem := storage.NewMemory(testLogger())
	ctx := context.Background()
	tab := mem.Context()
	gs := &gatedStore{inner: tab, gate: make(chan struct{})}
	n := newManualNotifier()

	c := New(ctx, gs, n, "room-r1", "Alice", testLogger())
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Dispatch(createOp("room-r1"))
		c.Dispatch(room.AddParticipant{ParticipantName: "Bob", Role: room.RolePlayer})
	}()

	// The first write is held in flight; the optimistic state is already
	// readable and State does not wait on the store.
	require.Eventually(t, func() bool {
		s, ok := c.State()
		return ok && s.RoomID == "room-r1"
	}, time.Second, 10*time.Millisecond)

	close(gs.gate)
	<-done

	got, ok, err := tab.Read(ctx, "room-r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, got.Participants, "Bob", "the store must end on the newer document")
	s, _ := c.State()
	assert.True(t, s.Equal(got), "store and writing context agree once dispatches settle")
}

func TestControllersConvergeAcrossContexts(t *testing.T) {
	mem := storage.NewMemory(testLogger())
	ctx := context.Background()
	tabA := mem.Context()
	tabB := mem.Context()

	alice := New(ctx, tabA, tabA, "room-r1", "Alice", testLogger())
	defer alice.Close()
	alice.Dispatch(createOp("room-r1"))

	require.Eventually(t, func() bool {
		_, ok, err := tabB.Read(ctx, "room-r1")
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)

	bob := New(ctx, tabB, tabB, "room-r1", "Bob", testLogger())
	defer bob.Close()
	bob.Dispatch(room.AddParticipant{ParticipantName: "Bob", Role: room.RoleSpectator})

	// The join propagates to Alice's context through the change channel.
	assert.Eventually(t, func() bool {
		s, ok := alice.State()
		if !ok {
			return false
		}
		_, joined := s.Participants["Bob"]
		return joined
	}, time.Second, 10*time.Millisecond)

	sa, _ := alice.State()
	sb, _ := bob.State()
	assert.True(t, sa.Equal(sb))
}

func TestControllerReplacesWholesaleOnRemoteChange(t *testing.T) {
	// The incoming document always wins: local divergence (here, a story
	// only this context knew about) is overwritten, not merged. This is the
	// engine's accepted last-writer-wins behavior.
	mem := storage.NewMemory(testLogger())
	ctx := context.Background()
	tabA := mem.Context()
	tabB := mem.Context()

	alice := New(ctx, tabA, tabA, "room-r1", "Alice", testLogger())
	defer alice.Close()
	alice.Dispatch(createOp("room-r1"))
	require.Eventually(t, func() bool {
		_, ok, err := tabB.Read(ctx, "room-r1")
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)

	// Tab B writes a causally unrelated document for the same room.
	remote := room.Apply(room.NewState(), createOp("room-r1"))
	remote = room.Apply(remote, room.AddParticipant{ParticipantName: "Bob", Role: room.RolePlayer})
	require.NoError(t, tabB.Write(ctx, "room-r1", remote))

	assert.Eventually(t, func() bool {
		s, ok := alice.State()
		return ok && s.Equal(remote)
	}, time.Second, 10*time.Millisecond)
}

func TestControllerDropsToUnloadedWhenDocumentVanishes(t *testing.T) {
	mem := storage.NewMemory(testLogger())
	ctx := context.Background()
	tabA := mem.Context()
	tabB := mem.Context()

	c := New(ctx, tabA, tabA, "room-r1", "Alice", testLogger())
	defer c.Close()
	c.Dispatch(createOp("room-r1"))
	require.Eventually(t, func() bool {
		_, ok, err := tabB.Read(ctx, "room-r1")
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)

	// A change on an unrelated key is ignored outright.
	tabB.Delete(ctx, "room-r2")
	_, ok := c.State()
	assert.True(t, ok, "changes for other keys are ignored")

	// The room's own entry is cleared externally: the re-read comes back
	// absent and the controller drops to unloaded, same as any other
	// wholesale replacement.
	tabB.Delete(ctx, "room-r1")
	assert.Eventually(t, func() bool {
		_, ok := c.State()
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestControllerCloseUnsubscribesAndIgnoresDispatch(t *testing.T) {
	mem := storage.NewMemory(testLogger())
	tab := mem.Context()
	n := newManualNotifier()

	c := New(context.Background(), tab, n, "room-r1", "Alice", testLogger())
	require.Equal(t, 1, n.subscriberCount())

	c.Dispatch(createOp("room-r1"))
	before, ok := c.State()
	require.True(t, ok)

	c.Close()
	assert.Equal(t, 0, n.subscriberCount(), "teardown must not leak handlers")

	c.Dispatch(room.AddParticipant{ParticipantName: "Bob", Role: room.RolePlayer})
	after, _ := c.State()
	assert.True(t, before.Equal(after), "dispatch after close is a no-op")

	c.Close() // double close is safe
}
