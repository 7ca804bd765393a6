// internal/storage/redis.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tabpoker/tabpoker/internal/room"
)

// DefaultRedisChannel is the pub/sub channel carrying change envelopes.
const DefaultRedisChannel = "tabpoker:changes"

// redisEnvelope is the published change notification. Origin identifies the
// writing Redis context so subscribers can drop their own echoes: unlike
// the storage event this backend models, Redis pub/sub delivers a message
// back to the publisher's own subscription.
type redisEnvelope struct {
	Origin   string          `json:"origin"`
	Key      string          `json:"key"`
	NewValue json.RawMessage `json:"newValue"`
}

// Redis is a shared backend over a Redis instance: GET/SET of the JSON
// document under the room key, plus a pub/sub channel as the change
// notification primitive. Construct one Redis per execution context; the
// per-instance origin id is what suppresses self-notification.
type Redis struct {
	client  *redis.Client
	origin  string
	channel string
	log     *logrus.Logger

	mu     sync.Mutex
	subs   map[int]func(Change)
	nextID int

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedis connects a new context to the Redis backend and starts its
// notification listener.
func NewRedis(addr string, db int, logger *logrus.Logger) (*Redis, error) {
	if logger == nil {
		logger = logrus.New()
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	listenCtx, stop := context.WithCancel(context.Background())
	r := &Redis{
		client:  client,
		origin:  uuid.NewString(),
		channel: DefaultRedisChannel,
		log:     logger,
		subs:    make(map[int]func(Change)),
		pubsub:  client.Subscribe(listenCtx, DefaultRedisChannel),
		cancel:  stop,
		done:    make(chan struct{}),
	}
	go r.listen(listenCtx)
	return r, nil
}

// Read loads the document at roomID. Missing key and corrupt document both
// come back absent; only transport faults surface as errors.
func (r *Redis) Read(ctx context.Context, roomID string) (room.State, bool, error) {
	data, err := r.client.Get(ctx, roomID).Bytes()
	if errors.Is(err, redis.Nil) {
		return room.State{}, false, nil
	}
	if err != nil {
		return room.State{}, false, fmt.Errorf("failed to read key %q: %w", roomID, err)
	}
	s, err := decode(data)
	if err != nil {
		r.log.WithFields(logrus.Fields{"key": roomID, "error": err}).Warn("discarding corrupt room document")
		return room.State{}, false, nil
	}
	return s, true, nil
}

// Write replaces the document at roomID, then publishes the change
// envelope. A document that landed without its notification is still
// converged on by any context that re-reads later.
func (r *Redis) Write(ctx context.Context, roomID string, s room.State) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, roomID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write key %q: %w", roomID, err)
	}

	env, err := json.Marshal(redisEnvelope{Origin: r.origin, Key: roomID, NewValue: data})
	if err != nil {
		return fmt.Errorf("failed to marshal change envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, env).Err(); err != nil {
		return fmt.Errorf("failed to publish change for key %q: %w", roomID, err)
	}
	return nil
}

// Subscribe registers fn for changes written by other contexts.
func (r *Redis) Subscribe(fn func(Change)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Close stops the listener and releases the client.
func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	<-r.done
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Redis) listen(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.pubsub.Channel():
			if !ok {
				return
			}
			r.handleMessage(msg.Payload)
		}
	}
}

func (r *Redis) handleMessage(payload string) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.WithField("error", err).Warn("ignoring malformed change envelope")
		return
	}
	if env.Origin == r.origin || !IsRoomKey(env.Key) {
		return
	}
	if _, err := decode(env.NewValue); err != nil {
		r.log.WithFields(logrus.Fields{"key": env.Key, "error": err}).Warn("ignoring change with malformed document")
		return
	}

	r.mu.Lock()
	targets := make([]func(Change), 0, len(r.subs))
	for _, fn := range r.subs {
		targets = append(targets, fn)
	}
	r.mu.Unlock()

	for _, fn := range targets {
		fn(Change{Key: env.Key, NewValue: env.NewValue})
	}
}
