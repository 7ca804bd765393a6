// internal/storage/codec.go
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/tabpoker/tabpoker/internal/room"
)

func encode(s room.State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room document: %w", err)
	}
	return data, nil
}

func decode(data []byte) (room.State, error) {
	s := room.NewState()
	if err := json.Unmarshal(data, &s); err != nil {
		return room.State{}, fmt.Errorf("failed to unmarshal room document: %w", err)
	}
	if s.Participants == nil {
		s.Participants = map[string]room.Participant{}
	}
	if s.Stories == nil {
		s.Stories = []room.Story{}
	}
	return s, nil
}
