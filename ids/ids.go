// This package defines the identifier types used throughout sly-chat: users,
// devices, groups, messages and the conversation union.
package ids

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UserID identifies a registered account.
type UserID int64

// DeviceID identifies one of a user's registered devices.
type DeviceID int32

// GroupID identifies a group conversation.
type GroupID string

// MessageID is a random, globally-unique message identifier.
type MessageID string

func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

func NewGroupID() GroupID {
	return GroupID(uuid.NewString())
}

// SlyAddress identifies a specific device of a specific user.
type SlyAddress struct {
	User   UserID
	Device DeviceID
}

func (a SlyAddress) String() string {
	return fmt.Sprintf("%d.%d", a.User, a.Device)
}

// ConversationID identifies the logical destination of a message, either a
// one-on-one conversation or a group. Exactly one of the two variants holds.
type ConversationID interface {
	isConversationID()
	String() string
}

type UserConversation struct {
	ID UserID
}

func (UserConversation) isConversationID() {}

func (c UserConversation) String() string {
	return fmt.Sprintf("u:%d", c.ID)
}

type GroupConversation struct {
	ID GroupID
}

func (GroupConversation) isConversationID() {}

func (c GroupConversation) String() string {
	return fmt.Sprintf("g:%s", c.ID)
}

func (u UserID) ConversationID() ConversationID {
	return UserConversation{u}
}

func (g GroupID) ConversationID() ConversationID {
	return GroupConversation{g}
}

// ParseConversationID is the inverse of ConversationID.String.
func ParseConversationID(s string) (ConversationID, error) {
	tag, rest, found := strings.Cut(s, ":")
	if !found {
		return nil, fmt.Errorf("ids: malformed conversation id %q", s)
	}
	switch tag {
	case "u":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ids: malformed user conversation id %q: %w", s, err)
		}
		return UserConversation{UserID(id)}, nil
	case "g":
		return GroupConversation{GroupID(rest)}, nil
	default:
		return nil, fmt.Errorf("ids: unknown conversation id tag %q", tag)
	}
}
