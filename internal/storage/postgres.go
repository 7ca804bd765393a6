// internal/storage/postgres.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/tabpoker/tabpoker/internal/room"
)

// pgNotifyChannel is the LISTEN/NOTIFY channel name for room changes.
const pgNotifyChannel = "tabpoker_changes"

const pgSchema = `
CREATE TABLE IF NOT EXISTS room_documents (
	key        TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// pgEnvelope is the NOTIFY payload. NOTIFY payloads are size-limited, so it
// carries only the key; receivers re-read the document through the store,
// which also revalidates it before dispatch.
type pgEnvelope struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
}

// Postgres is a shared backend over a single-table key-value store with
// LISTEN/NOTIFY as the change notification primitive. Construct one
// Postgres per execution context; the per-instance origin id suppresses
// self-notification, since NOTIFY reaches the notifying session's own
// listeners too.
type Postgres struct {
	pool   *pgxpool.Pool
	origin string
	log    *logrus.Logger

	mu     sync.Mutex
	subs   map[int]func(Change)
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgres connects a new context to the Postgres backend, ensures the
// schema, and starts its notification listener.
func NewPostgres(ctx context.Context, dsn string, logger *logrus.Logger) (*Postgres, error) {
	if logger == nil {
		logger = logrus.New()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure room_documents table: %w", err)
	}

	listenCtx, stop := context.WithCancel(context.Background())
	p := &Postgres{
		pool:   pool,
		origin: uuid.NewString(),
		log:    logger,
		subs:   make(map[int]func(Change)),
		cancel: stop,
		done:   make(chan struct{}),
	}
	go p.listen(listenCtx)
	return p, nil
}

// Read loads the document at roomID. Missing row and corrupt document both
// come back absent; only transport faults surface as errors.
func (p *Postgres) Read(ctx context.Context, roomID string) (room.State, bool, error) {
	data, ok, err := p.readRaw(ctx, roomID)
	if err != nil || !ok {
		return room.State{}, false, err
	}
	s, err := decode(data)
	if err != nil {
		p.log.WithFields(logrus.Fields{"key": roomID, "error": err}).Warn("discarding corrupt room document")
		return room.State{}, false, nil
	}
	return s, true, nil
}

func (p *Postgres) readRaw(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM room_documents WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return data, true, nil
}

// Write upserts the document at roomID and raises the change notification
// in the same statement, so no observer can see the notification without
// the document already replaced.
func (p *Postgres) Write(ctx context.Context, roomID string, s room.State) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	env, err := json.Marshal(pgEnvelope{Origin: p.origin, Key: roomID})
	if err != nil {
		return fmt.Errorf("failed to marshal change envelope: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		WITH put AS (
			INSERT INTO room_documents (key, doc, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
		)
		SELECT pg_notify($3, $4)`,
		roomID, data, pgNotifyChannel, string(env))
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", roomID, err)
	}
	return nil
}

// Subscribe registers fn for changes written by other contexts.
func (p *Postgres) Subscribe(fn func(Change)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Close stops the listener and releases the pool.
func (p *Postgres) Close() {
	p.cancel()
	<-p.done
	p.pool.Close()
}

// listen holds a dedicated connection on LISTEN and dispatches incoming
// notifications. On connection loss it backs off and re-listens; changes
// missed in between are recovered by the next re-read.
func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.listenOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.WithField("error", err).Warn("notification listener disconnected; retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+pgNotifyChannel); err != nil {
		return fmt.Errorf("failed to LISTEN on %s: %w", pgNotifyChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		p.handleNotification(ctx, n.Payload)
	}
}

func (p *Postgres) handleNotification(ctx context.Context, payload string) {
	var env pgEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		p.log.WithField("error", err).Warn("ignoring malformed change envelope")
		return
	}
	if env.Origin == p.origin || !IsRoomKey(env.Key) {
		return
	}

	// Re-read so subscribers get the document body; a row that fails to
	// decode (or was deleted since) is dropped like any malformed payload.
	data, ok, err := p.readRaw(ctx, env.Key)
	if err != nil || !ok {
		if err != nil {
			p.log.WithFields(logrus.Fields{"key": env.Key, "error": err}).Warn("failed to read changed document")
		}
		return
	}
	if _, err := decode(data); err != nil {
		p.log.WithFields(logrus.Fields{"key": env.Key, "error": err}).Warn("ignoring change with malformed document")
		return
	}

	p.mu.Lock()
	targets := make([]func(Change), 0, len(p.subs))
	for _, fn := range p.subs {
		targets = append(targets, fn)
	}
	p.mu.Unlock()

	for _, fn := range targets {
		fn(Change{Key: env.Key, NewValue: data})
	}
}
