package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var conversationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://alice.local/conversations"))

// Identity names a front end conversation: who is talking, where.
type Identity struct {
	Channel        string
	ConversationID string
	// ActorID may carry a display name as "id|name", as chat front ends
	// report it.
	ActorID string
}

func (id Identity) Validate() error {
	if strings.TrimSpace(id.Channel) == "" {
		return fmt.Errorf("missing channel")
	}
	if strings.TrimSpace(id.ConversationID) == "" {
		return fmt.Errorf("missing conversation id")
	}
	if strings.TrimSpace(id.actor()) == "" {
		return fmt.Errorf("missing actor id")
	}
	return nil
}

func (id Identity) actor() string {
	actor, _, _ := strings.Cut(strings.TrimSpace(id.ActorID), "|")
	return actor
}

// DisplayName is the name part of a compound actor id.
func (id Identity) DisplayName() string {
	_, name, _ := strings.Cut(strings.TrimSpace(id.ActorID), "|")
	return strings.TrimSpace(name)
}

// UserID scopes the actor to its channel so the same numeric id on two
// front ends stays two users.
func (id Identity) UserID() string {
	return strings.ToLower(strings.TrimSpace(id.Channel)) + ":" + id.actor()
}

func (id Identity) Canonical() string {
	return strings.ToLower(strings.TrimSpace(id.Channel)) + "|" +
		strings.TrimSpace(id.ConversationID) + "|" +
		id.actor()
}

// RootSessionID is the stable id of the first session for this
// conversation. Later sessions chain from it through ParentID.
func (id Identity) RootSessionID() string {
	return uuid.NewSHA1(conversationNamespace, []byte(id.Canonical())).String()
}
