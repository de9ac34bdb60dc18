package session

import (
	"fmt"
	"strings"
)

// Identity is the stable key for one logical conversation. It is derived
// from an inbound turn and never changes afterwards.
type Identity struct {
	Channel     string
	ConnectorID string
	ChatScope   string
	UserScope   string
}

// Key renders the identity as a flat session key. Components are joined
// with ":" after validation, so the key is stable and collision-free for
// valid identities.
func (id Identity) Key() string {
	return strings.Join([]string{id.Channel, id.ConnectorID, id.ChatScope, id.UserScope}, ":")
}

// Validate checks that every identity component is present and free of the
// separator character.
func (id Identity) Validate() error {
	fields := map[string]string{
		"channel":      id.Channel,
		"connector_id": id.ConnectorID,
		"chat_scope":   id.ChatScope,
		"user_scope":   id.UserScope,
	}
	for name, value := range fields {
		if value == "" {
			return fmt.Errorf("identity %s cannot be empty", name)
		}
		if strings.Contains(value, ":") {
			return fmt.Errorf("identity %s cannot contain ':'", name)
		}
	}
	return nil
}

// ParseKey reconstructs an identity from a session key.
func ParseKey(key string) (Identity, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("malformed session key: %s", key)
	}
	id := Identity{
		Channel:     parts[0],
		ConnectorID: parts[1],
		ChatScope:   parts[2],
		UserScope:   parts[3],
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
