package messaging

import (
	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
)

// MessageSendRecord is published once per outbound entry when the relay has
// acknowledged receipt.
type MessageSendRecord struct {
	Metadata  MessageMetadata
	Timestamp uint64
}

// NewMessageEvent is published when a decrypted message has been persisted to
// a conversation log.
type NewMessageEvent struct {
	ConversationID ids.ConversationID
	Message        *ConversationMessage
}

// MessageUpdateEvent is published when a persisted message changes state, for
// now only the delivered mark.
type MessageUpdateEvent struct {
	ConversationID ids.ConversationID
	Message        *ConversationMessage
}

// MessagesExpiredEvent is published after a batch of self-expiring messages
// has been destroyed. FromSync is set when the destruction was requested by
// another of the local identity's devices.
type MessagesExpiredEvent struct {
	Expired  map[ids.ConversationID][]ids.MessageID
	FromSync bool
}

type GroupEvent interface {
	isGroupEvent()
}

func (NewGroupEvent) isGroupEvent()    {}
func (GroupJoinedEvent) isGroupEvent() {}
func (GroupPartedEvent) isGroupEvent() {}

// NewGroupEvent is published when a group record is created from an accepted
// invitation or a local create.
type NewGroupEvent struct {
	Group   GroupInfo
	Members []ids.UserID
}

// GroupJoinedEvent carries only the members actually newly added.
type GroupJoinedEvent struct {
	GroupID ids.GroupID
	Members []ids.UserID
}

type GroupPartedEvent struct {
	GroupID ids.GroupID
	Member  ids.UserID
}
