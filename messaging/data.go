// Package messaging implements the message-delivery core: the outbound send
// pipeline, the inbound receive pipeline, group membership processing, message
// expiration and the orchestrating service that ties them to the relay.
package messaging

import (
	"context"
	"fmt"

	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
)

type MessageCategory uint8

const (
	CategoryTextSingle MessageCategory = iota
	CategoryTextGroup
	CategoryOther
)

func (c MessageCategory) String() string {
	switch c {
	case CategoryTextSingle:
		return "text-single"
	case CategoryTextGroup:
		return "text-group"
	case CategoryOther:
		return "other"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// MessageMetadata identifies an outbound queue entry and drives delivery-ack
// routing. GroupID is set exactly when Category is CategoryTextGroup.
type MessageMetadata struct {
	UserID    ids.UserID
	GroupID   *ids.GroupID
	Category  MessageCategory
	MessageID ids.MessageID
}

func NewMessageMetadata(userID ids.UserID, groupID *ids.GroupID, category MessageCategory, messageID ids.MessageID) (MessageMetadata, error) {
	if category == CategoryTextGroup && groupID == nil {
		return MessageMetadata{}, fmt.Errorf("messaging: %s metadata requires a group id", category)
	}
	if category != CategoryTextGroup && groupID != nil {
		return MessageMetadata{}, fmt.Errorf("messaging: %s metadata must not carry a group id", category)
	}
	return MessageMetadata{UserID: userID, GroupID: groupID, Category: category, MessageID: messageID}, nil
}

// QueuedMessage is a durable outbound entry. It is persisted before any
// network attempt and removed only after a relay acknowledgement.
type QueuedMessage struct {
	Metadata  MessageMetadata
	Timestamp uint64
	Payload   []byte
}

// PackageID identifies an inbound package by its sender address and the
// relay-assigned message id.
type PackageID struct {
	Address   ids.SlyAddress
	MessageID ids.MessageID
}

// Package is a durable inbound entry: an encrypted payload persisted from
// arrival until processing reaches a terminal outcome.
type Package struct {
	ID        PackageID
	Timestamp uint64
	Payload   []byte
}

type GroupMembershipLevel uint8

const (
	MembershipBlocked GroupMembershipLevel = iota
	MembershipParted
	MembershipJoined
)

func (l GroupMembershipLevel) String() string {
	switch l {
	case MembershipBlocked:
		return "blocked"
	case MembershipParted:
		return "parted"
	case MembershipJoined:
		return "joined"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(l))
	}
}

type GroupInfo struct {
	ID              ids.GroupID
	Name            string
	MembershipLevel GroupMembershipLevel
}

// ConversationMessage is one entry in a conversation log. Speaker is nil for
// messages written by the local identity.
type ConversationMessage struct {
	ID                 ids.MessageID
	Speaker            *ids.UserID
	Timestamp          uint64
	ReceivedTimestamp  uint64
	Message            string
	TTLMs              uint64
	ExpiresAt          uint64
	Delivered          bool
	DeliveredTimestamp uint64
}

// ExpiringMessage is a persisted message with a scheduled destruction time.
type ExpiringMessage struct {
	ConversationID ids.ConversationID
	MessageID      ids.MessageID
	ExpiresAt      uint64
}

// OutboundQueueStore is the durable log of not-yet-delivered outbound entries.
type OutboundQueueStore interface {
	Add(ctx context.Context, m *QueuedMessage) error
	AddBatch(ctx context.Context, ms []*QueuedMessage) error
	Remove(ctx context.Context, userID ids.UserID, messageID ids.MessageID) error
	// GetUndelivered returns all entries ordered by timestamp, oldest first.
	GetUndelivered(ctx context.Context) ([]*QueuedMessage, error)
}

// InboundQueueStore is the durable log of not-yet-processed inbound packages.
type InboundQueueStore interface {
	AddPackage(ctx context.Context, p *Package) error
	AddPackages(ctx context.Context, ps []*Package) error
	RemovePackage(ctx context.Context, id PackageID) error
	RemovePackages(ctx context.Context, packageIDs []PackageID) error
	RemovePackagesForUser(ctx context.Context, userID ids.UserID) error
	GetQueuedPackages(ctx context.Context) ([]*Package, error)
}

// GroupStore persists group records and membership. Transitions go through
// Join, Part, Block and Unblock only, never a direct level write.
type GroupStore interface {
	// GetInfo returns nil when no record exists for the group.
	GetInfo(ctx context.Context, id ids.GroupID) (*GroupInfo, error)
	GetMembers(ctx context.Context, id ids.GroupID) ([]ids.UserID, error)
	IsUserMemberOf(ctx context.Context, id ids.GroupID, userID ids.UserID) (bool, error)
	// Join creates or transitions the group to joined with the given members.
	Join(ctx context.Context, info *GroupInfo, members []ids.UserID) error
	// AddMembers returns the subset of users actually newly added.
	AddMembers(ctx context.Context, id ids.GroupID, userIDs []ids.UserID) ([]ids.UserID, error)
	// RemoveMember reports whether the user was a member.
	RemoveMember(ctx context.Context, id ids.GroupID, userID ids.UserID) (bool, error)
	Part(ctx context.Context, id ids.GroupID) (bool, error)
	Block(ctx context.Context, id ids.GroupID) error
	Unblock(ctx context.Context, id ids.GroupID) error
}

// ContactStore resolves and filters contact records.
type ContactStore interface {
	// AddMissingContacts creates records for unknown users and returns the ids
	// which could not be resolved to a valid contact.
	AddMissingContacts(ctx context.Context, userIDs []ids.UserID) ([]ids.UserID, error)
	IsBlocked(ctx context.Context, userID ids.UserID) (bool, error)
	FilterBlocked(ctx context.Context, userIDs []ids.UserID) ([]ids.UserID, error)
}

// ConversationStore persists per-conversation message logs.
type ConversationStore interface {
	AddMessage(ctx context.Context, conversationID ids.ConversationID, m *ConversationMessage) error
	// MarkMessageAsDelivered returns the updated message, or nil when no such
	// message exists or it was already marked.
	MarkMessageAsDelivered(ctx context.Context, conversationID ids.ConversationID, messageID ids.MessageID, timestamp uint64) (*ConversationMessage, error)
	SetMessageExpiry(ctx context.Context, conversationID ids.ConversationID, messageID ids.MessageID, expiresAt uint64) error
	GetMessagesAwaitingExpiration(ctx context.Context) ([]*ExpiringMessage, error)
	// ExpireMessages deletes the named messages and returns how many rows were
	// actually removed.
	ExpireMessages(ctx context.Context, messages map[ids.ConversationID][]ids.MessageID) (int64, error)
}

// Stores bundles every persistence dependency of the messaging service.
type Stores struct {
	Outbound      OutboundQueueStore
	Inbound       InboundQueueStore
	Groups        GroupStore
	Contacts      ContactStore
	Conversations ConversationStore
}
