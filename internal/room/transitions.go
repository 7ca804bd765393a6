// internal/room/transitions.go
//
// The transition engine. Every named operation is a pure, total function:
// it takes the current State plus a typed payload, returns a new State, and
// never fails. Invalid payloads (absent participant, duplicate name) are
// absorbed as no-ops rather than surfaced as errors; replaying the same
// operations from the same start state on any context yields the same
// result, which is what lets independent tabs converge.
package room

// Op is a single named transition request. Implementations are the payload
// types below; Apply dispatches on the concrete type.
type Op interface {
	// Name is the operation's wire/display name, used in log fields.
	Name() string
}

// CreateRoom produces a fresh room document with the creator as the sole
// participant and only moderator. The caller guarantees RoomID uniqueness.
type CreateRoom struct {
	RoomID      string
	RoomName    string
	CreatorName string
	CreatorRole Role
}

// AddParticipant inserts a non-moderator participant. Joining twice with
// the same name is a no-op, which makes join retries safe.
type AddParticipant struct {
	ParticipantName string
	Role            Role
}

// AddStory appends a story and opens a new round. The new story becomes
// active only when no story currently is; an in-progress selection is kept.
// Duplicate story ids are the caller's responsibility; the engine appends
// unconditionally.
type AddStory struct {
	Story Story
}

// CastVote records a vote for the named participant. Votes for absent
// participants are dropped silently.
type CastVote struct {
	ParticipantName string
	Vote            Vote
}

// RevealVotes makes cast votes visible. Idempotent; whether every eligible
// player has voted is a caller-side gate (see AllPlayersVoted), not an
// engine precondition.
type RevealVotes struct{}

// StartNewRound closes the current round: no active story, votes hidden,
// every participant's vote cleared. Stories are retained for re-selection.
type StartNewRound struct{}

func (CreateRoom) Name() string     { return "createRoom" }
func (AddParticipant) Name() string { return "addParticipant" }
func (AddStory) Name() string       { return "addStory" }
func (CastVote) Name() string       { return "castVote" }
func (RevealVotes) Name() string    { return "revealVotes" }
func (StartNewRound) Name() string  { return "startNewRound" }

// Apply runs one transition against s and returns the next state. s is
// never mutated. Unrecognized ops return s unchanged.
func Apply(s State, op Op) State {
	switch p := op.(type) {
	case CreateRoom:
		return applyCreateRoom(p)
	case AddParticipant:
		return applyAddParticipant(s, p)
	case AddStory:
		return applyAddStory(s, p)
	case CastVote:
		return applyCastVote(s, p)
	case RevealVotes:
		c := s.Clone()
		c.VotesRevealed = true
		return c
	case StartNewRound:
		c := s.Clone()
		c.ActiveStoryID = ""
		c.VotesRevealed = false
		resetVotes(&c)
		return c
	default:
		return s
	}
}

func applyCreateRoom(p CreateRoom) State {
	next := NewState()
	next.RoomID = p.RoomID
	next.RoomName = p.RoomName
	next.Participants[p.CreatorName] = Participant{
		Name:        p.CreatorName,
		IsModerator: true,
		Role:        p.CreatorRole,
	}
	return next
}

func applyAddParticipant(s State, p AddParticipant) State {
	if _, exists := s.Participants[p.ParticipantName]; exists {
		return s
	}
	c := s.Clone()
	c.Participants[p.ParticipantName] = Participant{
		Name: p.ParticipantName,
		Role: p.Role,
	}
	return c
}

func applyAddStory(s State, p AddStory) State {
	c := s.Clone()
	c.Stories = append(c.Stories, p.Story)
	if c.ActiveStoryID == "" {
		c.ActiveStoryID = p.Story.ID
	}
	c.VotesRevealed = false
	// Vote reset happens in the same transition as the story append, so no
	// persisted document can pair the new round with stale vote flags.
	resetVotes(&c)
	return c
}

func applyCastVote(s State, p CastVote) State {
	participant, exists := s.Participants[p.ParticipantName]
	if !exists {
		return s
	}
	c := s.Clone()
	participant.Vote = p.Vote
	participant.HasVoted = true
	c.Participants[p.ParticipantName] = participant
	return c
}

func resetVotes(c *State) {
	for name, p := range c.Participants {
		p.Vote = NoVote
		p.HasVoted = false
		c.Participants[name] = p
	}
}
