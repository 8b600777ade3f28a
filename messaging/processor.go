package messaging

import (
	"context"
	"fmt"

	"github.com/VFPowerTechnologies/sly-chat-sub002/clock"
	"github.com/VFPowerTechnologies/sly-chat-sub002/config"
	"github.com/VFPowerTechnologies/sly-chat-sub002/events"
	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"go.uber.org/zap"
)

// ExpirationScheduler is the slice of the expiration watcher the processor
// uses for self-expiring messages.
type ExpirationScheduler interface {
	ScheduleExpiration(conversationID ids.ConversationID, messageID ids.MessageID, expiresAt uint64)
	ExpireMessagesFromSync(ctx context.Context, messages map[ids.ConversationID][]ids.MessageID) error
}

// Processor routes decrypted payloads. Text messages go to conversation
// storage, group control payloads to the membership state machine. All group
// control payloads originate from peers and are validated against current
// local membership before any mutation; an invitation is the only payload
// allowed to create group state from nothing.
type Processor struct {
	log           *zap.SugaredLogger
	clock         clock.Clock
	self          ids.UserID
	groups        GroupStore
	contacts      ContactStore
	conversations ConversationStore
	expiration    ExpirationScheduler

	newMessages *events.Broadcaster
	groupEvents *events.Broadcaster
}

func NewProcessor(c *config.Config, cl clock.Clock, self ids.UserID, groups GroupStore, contacts ContactStore, conversations ConversationStore, expiration ExpirationScheduler) *Processor {
	return &Processor{
		log:           c.Logger("processor"),
		clock:         cl,
		self:          self,
		groups:        groups,
		contacts:      contacts,
		conversations: conversations,
		expiration:    expiration,
		newMessages:   events.NewBroadcaster(),
		groupEvents:   events.NewBroadcaster(),
	}
}

func (p *Processor) Close() {
	p.newMessages.Close()
	p.groupEvents.Close()
}

// NewMessages emits a NewMessageEvent per persisted inbound message.
func (p *Processor) NewMessages() (<-chan interface{}, func()) {
	return p.newMessages.Subscribe()
}

// GroupEvents emits a GroupEvent per membership transition.
func (p *Processor) GroupEvents() (<-chan interface{}, func()) {
	return p.groupEvents.Subscribe()
}

func (p *Processor) ProcessMessage(ctx context.Context, sender ids.SlyAddress, message SlyMessage) error {
	switch m := message.(type) {
	case *TextMessage:
		return p.handleTextMessage(ctx, sender, m)
	case *GroupInvitation:
		return p.handleGroupInvitation(ctx, sender, m)
	case *GroupJoin:
		return p.handleGroupJoin(ctx, sender, m)
	case *GroupPart:
		return p.handleGroupPart(ctx, sender, m)
	case *SyncSelfMessage:
		return p.handleSyncSelfMessage(ctx, sender, m)
	case *SyncMessageExpired:
		return p.handleSyncMessageExpired(ctx, sender, m)
	default:
		return fmt.Errorf("messaging: no handler for message %T", message)
	}
}

func (p *Processor) handleTextMessage(ctx context.Context, sender ids.SlyAddress, m *TextMessage) error {
	var conversationID ids.ConversationID
	if m.GroupID == nil {
		conversationID = sender.User.ConversationID()
	} else {
		ok, err := p.memberGate(ctx, *m.GroupID, sender.User)
		if err != nil {
			return err
		}
		if !ok {
			p.log.Debugf("ignoring group text from %s for %s", sender, *m.GroupID)
			return nil
		}
		conversationID = m.GroupID.ConversationID()
	}

	id := m.ID
	if id == "" {
		id = ids.NewMessageID()
	}
	received := p.clock.CurrentTimeMs()
	speaker := sender.User
	message := &ConversationMessage{
		ID:                id,
		Speaker:           &speaker,
		Timestamp:         m.Timestamp,
		ReceivedTimestamp: received,
		Message:           m.Message,
		TTLMs:             m.TTLMs,
	}
	if m.TTLMs > 0 {
		message.ExpiresAt = received + m.TTLMs
	}
	return p.persistAndAnnounce(ctx, conversationID, message)
}

func (p *Processor) handleGroupInvitation(ctx context.Context, sender ids.SlyAddress, m *GroupInvitation) error {
	info, err := p.groups.GetInfo(ctx, m.GroupID)
	if err != nil {
		return err
	}
	if info != nil && info.MembershipLevel != MembershipParted {
		// Already joined means a duplicate invitation; blocked means the user
		// wants nothing from this group. Either way, ignore.
		p.log.Debugf("ignoring invitation to %s group %s", info.MembershipLevel, m.GroupID)
		return nil
	}

	members := m.Members
	if sender.User != p.self {
		members = append(append([]ids.UserID{}, m.Members...), sender.User)
	}
	members, err = p.resolveContacts(ctx, members)
	if err != nil {
		return err
	}

	group := &GroupInfo{ID: m.GroupID, Name: m.Name, MembershipLevel: MembershipJoined}
	if err := p.groups.Join(ctx, group, members); err != nil {
		return err
	}
	p.groupEvents.Publish(NewGroupEvent{Group: *group, Members: members})
	return nil
}

func (p *Processor) handleGroupJoin(ctx context.Context, sender ids.SlyAddress, m *GroupJoin) error {
	ok, err := p.memberGate(ctx, m.GroupID, sender.User)
	if err != nil {
		return err
	}
	if !ok {
		p.log.Debugf("ignoring join from %s for %s", sender, m.GroupID)
		return nil
	}

	joined, err := p.resolveContacts(ctx, m.Joined)
	if err != nil {
		return err
	}
	added, err := p.groups.AddMembers(ctx, m.GroupID, joined)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		p.groupEvents.Publish(GroupJoinedEvent{GroupID: m.GroupID, Members: added})
	}
	return nil
}

func (p *Processor) handleGroupPart(ctx context.Context, sender ids.SlyAddress, m *GroupPart) error {
	ok, err := p.memberGate(ctx, m.GroupID, sender.User)
	if err != nil {
		return err
	}
	if !ok {
		p.log.Debugf("ignoring part from %s for %s", sender, m.GroupID)
		return nil
	}

	removed, err := p.groups.RemoveMember(ctx, m.GroupID, sender.User)
	if err != nil {
		return err
	}
	if removed {
		p.groupEvents.Publish(GroupPartedEvent{GroupID: m.GroupID, Member: sender.User})
	}
	return nil
}

func (p *Processor) handleSyncSelfMessage(ctx context.Context, sender ids.SlyAddress, m *SyncSelfMessage) error {
	if sender.User != p.self {
		p.log.Warnf("rejecting sync message from non-self address %s", sender)
		return nil
	}
	conversationID, err := m.SentMessage.ConversationID()
	if err != nil {
		return err
	}

	info := m.SentMessage
	message := &ConversationMessage{
		ID:                 info.MessageID,
		Timestamp:          info.Timestamp,
		ReceivedTimestamp:  info.Timestamp,
		Message:            info.Message,
		TTLMs:              info.TTLMs,
		Delivered:          true,
		DeliveredTimestamp: info.Timestamp,
	}
	if info.TTLMs > 0 {
		message.ExpiresAt = info.Timestamp + info.TTLMs
	}
	return p.persistAndAnnounce(ctx, conversationID, message)
}

func (p *Processor) handleSyncMessageExpired(ctx context.Context, sender ids.SlyAddress, m *SyncMessageExpired) error {
	if sender.User != p.self {
		p.log.Warnf("rejecting sync message from non-self address %s", sender)
		return nil
	}
	conversationID, err := m.ConversationID()
	if err != nil {
		return err
	}
	return p.expiration.ExpireMessagesFromSync(ctx, map[ids.ConversationID][]ids.MessageID{
		conversationID: {m.MessageID},
	})
}

func (p *Processor) persistAndAnnounce(ctx context.Context, conversationID ids.ConversationID, message *ConversationMessage) error {
	if err := p.conversations.AddMessage(ctx, conversationID, message); err != nil {
		return err
	}
	if message.ExpiresAt > 0 {
		p.expiration.ScheduleExpiration(conversationID, message.ID, message.ExpiresAt)
	}
	p.newMessages.Publish(NewMessageEvent{ConversationID: conversationID, Message: message})
	return nil
}

// memberGate reports whether a peer-originated event for a group should be
// accepted: the local record must be joined and the sender a current member.
func (p *Processor) memberGate(ctx context.Context, groupID ids.GroupID, sender ids.UserID) (bool, error) {
	info, err := p.groups.GetInfo(ctx, groupID)
	if err != nil {
		return false, err
	}
	if info == nil || info.MembershipLevel != MembershipJoined {
		return false, nil
	}
	if sender == p.self {
		return true, nil
	}
	return p.groups.IsUserMemberOf(ctx, groupID, sender)
}

// resolveContacts creates missing contact records and filters out ids which
// could not be resolved.
func (p *Processor) resolveContacts(ctx context.Context, userIDs []ids.UserID) ([]ids.UserID, error) {
	return resolveMissingContacts(ctx, p.contacts, p.log, userIDs)
}

func resolveMissingContacts(ctx context.Context, contacts ContactStore, log *zap.SugaredLogger, userIDs []ids.UserID) ([]ids.UserID, error) {
	invalid, err := contacts.AddMissingContacts(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	if len(invalid) == 0 {
		return userIDs, nil
	}
	log.Warnf("ignoring %d unresolvable users", len(invalid))
	skip := make(map[ids.UserID]bool, len(invalid))
	for _, id := range invalid {
		skip[id] = true
	}
	valid := make([]ids.UserID, 0, len(userIDs))
	for _, id := range userIDs {
		if !skip[id] {
			valid = append(valid, id)
		}
	}
	return valid, nil
}
