// internal/room/state.go
package room

import (
	"encoding/json"
	"reflect"

	"github.com/google/uuid"
)

// Role determines whether a participant takes part in voting or only watches.
type Role string

const (
	RolePlayer    Role = "PLAYER"
	RoleSpectator Role = "SPECTATOR"
)

// Vote is a single estimation value. The empty Vote means "not voted".
// In the stored document an unset vote is the JSON null, matching the
// shape every other context expects to read back.
type Vote string

// NoVote is the zero Vote.
const NoVote Vote = ""

// VoteOptions is the deck offered to players, in display order.
var VoteOptions = []Vote{"1", "2", "3", "5", "8", "13", "☕", "?"}

// ValidVote reports whether v is a member of the deck. The transition
// engine itself does not gate on this; callers that present the deck do.
func ValidVote(v Vote) bool {
	for _, opt := range VoteOptions {
		if v == opt {
			return true
		}
	}
	return false
}

// MarshalJSON encodes NoVote as null so the persisted document keeps the
// vote field nullable.
func (v Vote) MarshalJSON() ([]byte, error) {
	if v == NoVote {
		return []byte("null"), nil
	}
	return json.Marshal(string(v))
}

// UnmarshalJSON accepts null, a string, or a bare number. Documents written
// by older clients carry numeric votes (e.g. 5 rather than "5").
func (v *Vote) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = NoVote
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Vote(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = Vote(n.String())
	return nil
}

// Participant is a named actor in a room. The name is the identity; there
// is no separate id.
type Participant struct {
	Name        string `json:"name"`
	IsModerator bool   `json:"isModerator"`
	Role        Role   `json:"role"`
	Vote        Vote   `json:"vote"`
	HasVoted    bool   `json:"hasVoted"`
}

// Story is one estimation item. Stories accumulate in the room for the
// room's lifetime; finishing a round never removes them.
type Story struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// State is the replicated room document, one per room id. It is a plain
// value: every mutation goes through a transition in transitions.go, which
// returns a fresh State and leaves its input untouched.
type State struct {
	RoomID        string                 `json:"roomId"`
	RoomName      string                 `json:"roomName"`
	Participants  map[string]Participant `json:"participants"`
	Stories       []Story                `json:"stories"`
	ActiveStoryID string                 `json:"activeStoryId"`
	VotesRevealed bool                   `json:"votesRevealed"`
}

// NewState returns the empty, unloaded state: no room id, no participants,
// no stories.
func NewState() State {
	return State{
		Participants: map[string]Participant{},
		Stories:      []Story{},
	}
}

// Loaded reports whether a room document is present (a RoomID is set).
func (s State) Loaded() bool {
	return s.RoomID != ""
}

// Clone returns a deep copy. Transitions operate on clones so the caller's
// State is safe to compare against afterwards.
func (s State) Clone() State {
	c := s
	c.Participants = make(map[string]Participant, len(s.Participants))
	for name, p := range s.Participants {
		c.Participants[name] = p
	}
	c.Stories = append([]Story(nil), s.Stories...)
	return c
}

// Equal reports structural equality. Used by tests and by callers checking
// whether a transition was a no-op.
func (s State) Equal(other State) bool {
	return reflect.DeepEqual(normalize(s), normalize(other))
}

// normalize maps nil and empty collections onto the same representation so
// a decoded document compares equal to a constructed one.
func normalize(s State) State {
	if len(s.Participants) == 0 {
		s.Participants = map[string]Participant{}
	}
	if len(s.Stories) == 0 {
		s.Stories = []Story{}
	}
	return s
}

// NewRoomID generates a storage key for a new room. The "room-" prefix is
// the key convention notifier consumers filter on.
func NewRoomID() string {
	return "room-" + uuid.NewString()
}

// NewStoryID generates an id for a new story, unique within the room.
func NewStoryID() string {
	return "story-" + uuid.NewString()
}
