package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
)

// Wire payloads are JSON envelopes {"t": tag, "m": body}. Group events and
// sync messages nest a second envelope of the same shape. Unknown tags are a
// permanent deserialization failure; unknown fields are ignored so new
// variants can be added without breaking old readers.

const (
	tagText       = "t"
	tagGroupEvent = "g"
	tagSync       = "s"

	tagGroupInvitation = "i"
	tagGroupJoin       = "j"
	tagGroupPart       = "p"

	tagSyncSelfMessage    = "self"
	tagSyncMessageExpired = "expired"
)

type envelope struct {
	T string          `json:"t"`
	M json.RawMessage `json:"m"`
}

type SlyMessage interface {
	isSlyMessage()
}

func (*TextMessage) isSlyMessage()        {}
func (*GroupInvitation) isSlyMessage()    {}
func (*GroupJoin) isSlyMessage()          {}
func (*GroupPart) isSlyMessage()          {}
func (*SyncSelfMessage) isSlyMessage()    {}
func (*SyncMessageExpired) isSlyMessage() {}

type TextMessage struct {
	ID        ids.MessageID `json:"id"`
	Timestamp uint64        `json:"timestamp"`
	Message   string        `json:"message"`
	GroupID   *ids.GroupID  `json:"groupId,omitempty"`
	TTLMs     uint64        `json:"ttl,omitempty"`
}

type GroupInvitation struct {
	GroupID ids.GroupID  `json:"id"`
	Name    string       `json:"name"`
	Members []ids.UserID `json:"members"`
}

type GroupJoin struct {
	GroupID ids.GroupID  `json:"id"`
	Joined  []ids.UserID `json:"joined"`
}

type GroupPart struct {
	GroupID ids.GroupID `json:"id"`
}

// SyncSentMessageInfo mirrors a sent message to the sender's other devices.
type SyncSentMessageInfo struct {
	UserID    *ids.UserID   `json:"userId,omitempty"`
	GroupID   *ids.GroupID  `json:"groupId,omitempty"`
	MessageID ids.MessageID `json:"messageId"`
	Message   string        `json:"message"`
	Timestamp uint64        `json:"timestamp"`
	TTLMs     uint64        `json:"ttl,omitempty"`
}

// SyncSelfMessage tells the local identity's other devices to record a message
// this device sent.
type SyncSelfMessage struct {
	SentMessage SyncSentMessageInfo `json:"sentMessage"`
}

// SyncMessageExpired tells the local identity's other devices to destroy a
// self-expiring message.
type SyncMessageExpired struct {
	UserID    *ids.UserID   `json:"userId,omitempty"`
	GroupID   *ids.GroupID  `json:"groupId,omitempty"`
	MessageID ids.MessageID `json:"messageId"`
}

// ConversationID reconstructs the logical destination carried by the info.
func (i SyncSentMessageInfo) ConversationID() (ids.ConversationID, error) {
	return conversationIDFromRefs(i.UserID, i.GroupID)
}

func (m SyncMessageExpired) ConversationID() (ids.ConversationID, error) {
	return conversationIDFromRefs(m.UserID, m.GroupID)
}

func conversationIDFromRefs(userID *ids.UserID, groupID *ids.GroupID) (ids.ConversationID, error) {
	switch {
	case userID != nil && groupID == nil:
		return userID.ConversationID(), nil
	case userID == nil && groupID != nil:
		return groupID.ConversationID(), nil
	default:
		return nil, fmt.Errorf("messaging: expected exactly one of userId and groupId")
	}
}

func conversationIDRefs(conversationID ids.ConversationID) (*ids.UserID, *ids.GroupID) {
	switch c := conversationID.(type) {
	case ids.UserConversation:
		return &c.ID, nil
	case ids.GroupConversation:
		return nil, &c.ID
	default:
		panic(fmt.Sprintf("messaging: unexpected conversation id %T", conversationID))
	}
}

func SerializeMessage(m SlyMessage) ([]byte, error) {
	var outerTag, innerTag string
	switch m.(type) {
	case *TextMessage:
		outerTag = tagText
	case *GroupInvitation:
		outerTag, innerTag = tagGroupEvent, tagGroupInvitation
	case *GroupJoin:
		outerTag, innerTag = tagGroupEvent, tagGroupJoin
	case *GroupPart:
		outerTag, innerTag = tagGroupEvent, tagGroupPart
	case *SyncSelfMessage:
		outerTag, innerTag = tagSync, tagSyncSelfMessage
	case *SyncMessageExpired:
		outerTag, innerTag = tagSync, tagSyncMessageExpired
	default:
		return nil, fmt.Errorf("messaging: cannot serialize %T", m)
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("messaging: serializing %T: %w", m, err)
	}
	if innerTag != "" {
		if body, err = json.Marshal(&envelope{T: innerTag, M: body}); err != nil {
			return nil, fmt.Errorf("messaging: serializing %T: %w", m, err)
		}
	}
	return json.Marshal(&envelope{T: outerTag, M: body})
}

func DeserializeMessage(raw []byte) (SlyMessage, error) {
	var outer envelope
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("messaging: malformed message envelope: %w", err)
	}

	switch outer.T {
	case tagText:
		m := &TextMessage{}
		if err := json.Unmarshal(outer.M, m); err != nil {
			return nil, fmt.Errorf("messaging: malformed text message: %w", err)
		}
		return m, nil
	case tagGroupEvent:
		return deserializeGroupEvent(outer.M)
	case tagSync:
		return deserializeSyncMessage(outer.M)
	default:
		return nil, fmt.Errorf("messaging: unknown message tag %q", outer.T)
	}
}

func deserializeGroupEvent(raw []byte) (SlyMessage, error) {
	var inner envelope
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("messaging: malformed group event envelope: %w", err)
	}

	var m SlyMessage
	switch inner.T {
	case tagGroupInvitation:
		m = &GroupInvitation{}
	case tagGroupJoin:
		m = &GroupJoin{}
	case tagGroupPart:
		m = &GroupPart{}
	default:
		return nil, fmt.Errorf("messaging: unknown group event tag %q", inner.T)
	}
	if err := json.Unmarshal(inner.M, m); err != nil {
		return nil, fmt.Errorf("messaging: malformed group event: %w", err)
	}
	return m, nil
}

func deserializeSyncMessage(raw []byte) (SlyMessage, error) {
	var inner envelope
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("messaging: malformed sync message envelope: %w", err)
	}

	var m SlyMessage
	switch inner.T {
	case tagSyncSelfMessage:
		m = &SyncSelfMessage{}
	case tagSyncMessageExpired:
		m = &SyncMessageExpired{}
	default:
		return nil, fmt.Errorf("messaging: unknown sync message tag %q", inner.T)
	}
	if err := json.Unmarshal(inner.M, m); err != nil {
		return nil, fmt.Errorf("messaging: malformed sync message: %w", err)
	}
	return m, nil
}
