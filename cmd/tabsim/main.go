// cmd/tabsim/main.go
//
// tabsim stands in for the browser tabs this engine is built for: it runs
// two session controllers ("tabs") over a shared backend, replays a full
// estimation round, and logs both tabs' converged documents. Useful as a
// smoke test against a real Redis or Postgres.
package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/tabpoker/tabpoker/internal/config"
	"github.com/tabpoker/tabpoker/internal/room"
	"github.com/tabpoker/tabpoker/internal/session"
	"github.com/tabpoker/tabpoker/internal/storage"
)

// tab bundles one execution context's view of the shared store.
type tab struct {
	store    storage.Store
	notifier storage.Notifier
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(cfg.LogrusLevel())

	tabA, tabB, cleanup, err := newTabs(cfg, logger)
	if err != nil {
		log.Fatalf("backend %q: %v", cfg.Backend, err)
	}
	defer cleanup()
	logger.WithField("backend", cfg.Backend).Info("tabsim starting")

	const (
		roomName = "SprintFive"
		creator  = "AliceDev"
		joiner   = "BobTheQA"
	)
	for _, name := range []string{roomName, creator, joiner} {
		if err := room.ValidateName(name); err != nil {
			log.Fatalf("invalid name %q: %v", name, err)
		}
	}

	ctx := context.Background()
	roomID := room.NewRoomID()

	// Tab A creates the room.
	alice := session.New(ctx, tabA.store, tabA.notifier, roomID, creator, logger)
	defer alice.Close()
	alice.Dispatch(room.CreateRoom{
		RoomID:      roomID,
		RoomName:    roomName,
		CreatorName: creator,
		CreatorRole: room.RolePlayer,
	})
	waitFor("room document to land", func() bool {
		_, ok, err := tabB.store.Read(ctx, roomID)
		return err == nil && ok
	})

	// Tab B hydrates from the store and joins.
	bob := session.New(ctx, tabB.store, tabB.notifier, roomID, joiner, logger)
	defer bob.Close()
	bob.Dispatch(room.AddParticipant{ParticipantName: joiner, Role: room.RolePlayer})
	waitFor("join to reach tab A", func() bool {
		s, ok := alice.State()
		_, joined := s.Participants[joiner]
		return ok && joined
	})

	// The moderator opens a story for voting.
	story := room.Story{ID: room.NewStoryID(), Title: "Login flow", Description: "Estimate the login story"}
	alice.Dispatch(room.AddStory{Story: story})
	waitFor("story to reach tab B", func() bool {
		s, ok := bob.State()
		return ok && s.ActiveStoryID == story.ID
	})

	// Votes are sequenced: two truly concurrent writes would resolve
	// last-writer-wins and one vote would be silently lost.
	alice.Dispatch(room.CastVote{ParticipantName: creator, Vote: "5"})
	waitFor("first vote to reach tab B", func() bool {
		s, ok := bob.State()
		return ok && s.Participants[creator].HasVoted
	})
	bob.Dispatch(room.CastVote{ParticipantName: joiner, Vote: "8"})
	waitFor("all players to vote", func() bool {
		s, ok := alice.State()
		return ok && room.CanReveal(s)
	})

	alice.Dispatch(room.RevealVotes{})
	waitFor("reveal to reach tab B", func() bool {
		s, ok := bob.State()
		return ok && s.VotesRevealed
	})
	logState(logger, "revealed", bob)

	alice.Dispatch(room.StartNewRound{})
	waitFor("new round to reach tab B", func() bool {
		s, ok := bob.State()
		return ok && !s.VotesRevealed && s.ActiveStoryID == ""
	})

	logState(logger, "tab A final", alice)
	logState(logger, "tab B final", bob)
	logger.Info("both tabs converged; concurrent writes to the same key would resolve last-writer-wins")
}

func newTabs(cfg config.Config, logger *logrus.Logger) (tab, tab, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		// One client per tab: the per-client origin id is what keeps a tab
		// from hearing its own writes.
		a, err := storage.NewRedis(cfg.RedisAddr, cfg.RedisDB, logger)
		if err != nil {
			return tab{}, tab{}, nil, err
		}
		b, err := storage.NewRedis(cfg.RedisAddr, cfg.RedisDB, logger)
		if err != nil {
			_ = a.Close()
			return tab{}, tab{}, nil, err
		}
		cleanup := func() {
			_ = b.Close()
			_ = a.Close()
		}
		return tab{store: a, notifier: a}, tab{store: b, notifier: b}, cleanup, nil

	case config.BackendPostgres:
		ctx := context.Background()
		a, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return tab{}, tab{}, nil, err
		}
		b, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			a.Close()
			return tab{}, tab{}, nil, err
		}
		cleanup := func() {
			b.Close()
			a.Close()
		}
		return tab{store: a, notifier: a}, tab{store: b, notifier: b}, cleanup, nil

	default:
		mem := storage.NewMemory(logger)
		a := mem.Context()
		b := mem.Context()
		return tab{store: a, notifier: a}, tab{store: b, notifier: b}, func() {}, nil
	}
}

func waitFor(desc string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Fatalf("timed out waiting for %s", desc)
}

func logState(logger *logrus.Logger, label string, c *session.Controller) {
	s, ok := c.State()
	if !ok {
		logger.WithField("tab", label).Warn("no room document loaded")
		return
	}
	doc, _ := json.Marshal(s)
	logger.WithFields(logrus.Fields{"tab": label, "doc": string(doc)}).Info("room document")
}
