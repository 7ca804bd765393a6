// internal/room/derive.go
package room

// ActiveStory resolves ActiveStoryID against the story list. The second
// return is false when no story is active or the id is dangling.
func ActiveStory(s State) (Story, bool) {
	if s.ActiveStoryID == "" {
		return Story{}, false
	}
	for _, st := range s.Stories {
		if st.ID == s.ActiveStoryID {
			return st, true
		}
	}
	return Story{}, false
}

// AllPlayersVoted reports whether every PLAYER has voted this round.
// Spectators never count. Vacuously true with no players, so callers
// gating a reveal should also require an active story.
func AllPlayersVoted(s State) bool {
	for _, p := range s.Participants {
		if p.Role == RolePlayer && !p.HasVoted {
			return false
		}
	}
	return true
}

// CanReveal is the moderator-side gate for RevealVotes: an active story,
// every player in, votes still hidden. The engine itself does not enforce
// this; it exists so every caller gates the same way.
func CanReveal(s State) bool {
	return s.ActiveStoryID != "" && AllPlayersVoted(s) && !s.VotesRevealed
}

// Moderator returns the room's single moderator, set at creation.
func Moderator(s State) (Participant, bool) {
	for _, p := range s.Participants {
		if p.IsModerator {
			return p, true
		}
	}
	return Participant{}, false
}
