package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/VFPowerTechnologies/sly-chat-sub002/cipher"
	"github.com/VFPowerTechnologies/sly-chat-sub002/clock"
	"github.com/VFPowerTechnologies/sly-chat-sub002/config"
	"github.com/VFPowerTechnologies/sly-chat-sub002/events"
	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"github.com/VFPowerTechnologies/sly-chat-sub002/relay"
	"go.uber.org/zap"
)

// Service is the orchestrator. It wires the sender, receiver, processor and
// expiration watcher to the relay, filters inbound packages by contact trust,
// composes outbound group fan-out and republishes delivery and update events
// to the rest of the application.
type Service struct {
	log    *zap.SugaredLogger
	clock  clock.Clock
	self   ids.SlyAddress
	relay  RelayConnection
	stores Stores

	sender    *Sender
	receiver  *Receiver
	processor *Processor
	watcher   *Watcher

	messageUpdates *events.Broadcaster
	groupEvents    *events.Broadcaster

	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewService(c *config.Config, cl clock.Clock, self ids.SlyAddress, r RelayConnection, ci cipher.Service, stores Stores) *Service {
	watcher := NewWatcher(c, cl, stores.Conversations)
	processor := NewProcessor(c, cl, self.User, stores.Groups, stores.Contacts, stores.Conversations, watcher)
	return &Service{
		log:            c.Logger("messenger"),
		clock:          cl,
		self:           self,
		relay:          r,
		stores:         stores,
		sender:         NewSender(c, cl, r, ci, stores.Outbound),
		receiver:       NewReceiver(c, ci, stores.Inbound, processor),
		processor:      processor,
		watcher:        watcher,
		messageUpdates: events.NewBroadcaster(),
		groupEvents:    events.NewBroadcaster(),
	}
}

func (s *Service) Start() error {
	// Subscriptions go in before any component starts. The watcher expires
	// overdue messages inside Start, and those events must reach the run loop
	// rather than fire into the void.
	relayEvents, cancelRelay := s.relay.Events()
	sent, cancelSent := s.sender.MessageSent()
	expired, cancelExpired := s.watcher.MessagesExpired()
	processorGroupEvents, cancelGroupEvents := s.processor.GroupEvents()
	cancelSubscriptions := func() {
		cancelRelay()
		cancelSent()
		cancelExpired()
		cancelGroupEvents()
	}

	if err := s.watcher.Start(); err != nil {
		cancelSubscriptions()
		return err
	}
	if err := s.sender.Start(); err != nil {
		cancelSubscriptions()
		return err
	}
	if err := s.receiver.Start(); err != nil {
		cancelSubscriptions()
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc

	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		defer cancelSubscriptions()

		for {
			select {
			case <-ctx.Done():
				return
			case e := <-relayEvents:
				if m, ok := e.(relay.ReceivedMessage); ok {
					s.handleInboundMessage(ctx, m)
				}
			case e := <-sent:
				if record, ok := e.(MessageSendRecord); ok {
					s.handleMessageSent(ctx, record)
				}
			case e := <-expired:
				if ev, ok := e.(MessagesExpiredEvent); ok {
					s.handleMessagesExpired(ctx, ev)
				}
			case e := <-processorGroupEvents:
				s.groupEvents.Publish(e)
			}
		}
	}()
	return nil
}

func (s *Service) Shutdown() {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.finished.Wait()
	s.receiver.Shutdown()
	s.sender.Shutdown()
	s.watcher.Shutdown()
	s.processor.Close()
	s.messageUpdates.Close()
	s.groupEvents.Close()
}

// NewMessages emits a NewMessageEvent per persisted inbound message.
func (s *Service) NewMessages() (<-chan interface{}, func()) {
	return s.receiver.NewMessages()
}

// GroupEvents emits a GroupEvent per membership transition, whether driven by
// a peer payload or a local operation.
func (s *Service) GroupEvents() (<-chan interface{}, func()) {
	return s.groupEvents.Subscribe()
}

// MessageSent emits a MessageSendRecord per relay-acknowledged entry.
func (s *Service) MessageSent() (<-chan interface{}, func()) {
	return s.sender.MessageSent()
}

// MessageUpdates emits MessageUpdateEvent and MessagesExpiredEvent values.
func (s *Service) MessageUpdates() (<-chan interface{}, func()) {
	return s.messageUpdates.Subscribe()
}

// SendMessageTo queues a text message for a single recipient. The message is
// durably persisted before this returns; delivery failures after that surface
// only through the event streams.
func (s *Service) SendMessageTo(ctx context.Context, to ids.UserID, message string, ttlMs uint64) (*ConversationMessage, error) {
	id := ids.NewMessageID()
	timestamp := s.clock.CurrentTimeMs()
	payload, err := SerializeMessage(&TextMessage{ID: id, Timestamp: timestamp, Message: message, TTLMs: ttlMs})
	if err != nil {
		return nil, err
	}

	m := &ConversationMessage{ID: id, Timestamp: timestamp, Message: message, TTLMs: ttlMs}
	if err := s.stores.Conversations.AddMessage(ctx, to.ConversationID(), m); err != nil {
		return nil, err
	}

	metadata, err := NewMessageMetadata(to, nil, CategoryTextSingle, id)
	if err != nil {
		return nil, err
	}
	if err := s.sender.AddToQueue(ctx, metadata, payload); err != nil {
		return nil, err
	}
	return m, nil
}

// SendGroupMessageTo queues a text message to every non-blocked member of a
// joined group. Exactly one entry is persisted to the group's own conversation
// log, regardless of member count.
func (s *Service) SendGroupMessageTo(ctx context.Context, groupID ids.GroupID, message string, ttlMs uint64) (*ConversationMessage, error) {
	if err := s.requireJoined(ctx, groupID); err != nil {
		return nil, err
	}
	members, err := s.stores.Groups.GetMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.stores.Contacts.FilterBlocked(ctx, members)
	if err != nil {
		return nil, err
	}

	id := ids.NewMessageID()
	timestamp := s.clock.CurrentTimeMs()
	payload, err := SerializeMessage(&TextMessage{ID: id, Timestamp: timestamp, Message: message, GroupID: &groupID, TTLMs: ttlMs})
	if err != nil {
		return nil, err
	}

	m := &ConversationMessage{ID: id, Timestamp: timestamp, Message: message, TTLMs: ttlMs}
	if err := s.stores.Conversations.AddMessage(ctx, groupID.ConversationID(), m); err != nil {
		return nil, err
	}

	entries := make([]OutboundEntry, 0, len(recipients))
	for _, userID := range recipients {
		metadata, err := NewMessageMetadata(userID, &groupID, CategoryTextGroup, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, OutboundEntry{Metadata: metadata, Payload: payload})
	}
	if err := s.sender.AddManyToQueue(ctx, entries); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateNewGroup persists a new joined group and invites the initial members.
func (s *Service) CreateNewGroup(ctx context.Context, name string, initialMembers []ids.UserID) (ids.GroupID, error) {
	members, err := resolveMissingContacts(ctx, s.stores.Contacts, s.log, initialMembers)
	if err != nil {
		return "", err
	}

	groupID := ids.NewGroupID()
	group := &GroupInfo{ID: groupID, Name: name, MembershipLevel: MembershipJoined}
	if err := s.stores.Groups.Join(ctx, group, members); err != nil {
		return "", err
	}
	if err := s.sendToUsers(ctx, members, &GroupInvitation{GroupID: groupID, Name: name, Members: members}); err != nil {
		return "", err
	}
	s.groupEvents.Publish(NewGroupEvent{Group: *group, Members: members})
	return groupID, nil
}

// InviteUsersToGroup adds members to a joined group, sends them an invitation
// carrying the full member list and announces the join to existing members.
func (s *Service) InviteUsersToGroup(ctx context.Context, groupID ids.GroupID, newUsers []ids.UserID) error {
	info, err := s.stores.Groups.GetInfo(ctx, groupID)
	if err != nil {
		return err
	}
	if info == nil || info.MembershipLevel != MembershipJoined {
		return fmt.Errorf("messaging: not a member of group %s", groupID)
	}

	newUsers, err = resolveMissingContacts(ctx, s.stores.Contacts, s.log, newUsers)
	if err != nil {
		return err
	}
	existing, err := s.stores.Groups.GetMembers(ctx, groupID)
	if err != nil {
		return err
	}
	added, err := s.stores.Groups.AddMembers(ctx, groupID, newUsers)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}

	full, err := s.stores.Groups.GetMembers(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.sendToUsers(ctx, added, &GroupInvitation{GroupID: groupID, Name: info.Name, Members: full}); err != nil {
		return err
	}
	if err := s.sendToUsers(ctx, existing, &GroupJoin{GroupID: groupID, Joined: added}); err != nil {
		return err
	}
	s.groupEvents.Publish(GroupJoinedEvent{GroupID: groupID, Members: added})
	return nil
}

// PartGroup announces departure to every member and transitions the group to
// parted. It reports whether the group was actually joined.
func (s *Service) PartGroup(ctx context.Context, groupID ids.GroupID) (bool, error) {
	info, err := s.stores.Groups.GetInfo(ctx, groupID)
	if err != nil {
		return false, err
	}
	if info == nil || info.MembershipLevel != MembershipJoined {
		return false, nil
	}

	members, err := s.stores.Groups.GetMembers(ctx, groupID)
	if err != nil {
		return false, err
	}
	if err := s.sendToUsers(ctx, members, &GroupPart{GroupID: groupID}); err != nil {
		return false, err
	}
	return s.stores.Groups.Part(ctx, groupID)
}

// BlockGroup transitions a group to blocked. A joined group is parted first so
// members stop addressing us.
func (s *Service) BlockGroup(ctx context.Context, groupID ids.GroupID) error {
	info, err := s.stores.Groups.GetInfo(ctx, groupID)
	if err != nil {
		return err
	}
	if info != nil && info.MembershipLevel == MembershipJoined {
		members, err := s.stores.Groups.GetMembers(ctx, groupID)
		if err != nil {
			return err
		}
		if err := s.sendToUsers(ctx, members, &GroupPart{GroupID: groupID}); err != nil {
			return err
		}
	}
	return s.stores.Groups.Block(ctx, groupID)
}

// UnblockGroup transitions a blocked group back to parted.
func (s *Service) UnblockGroup(ctx context.Context, groupID ids.GroupID) error {
	return s.stores.Groups.Unblock(ctx, groupID)
}

// ExpireMessages destroys messages locally and tells the local identity's
// other devices to do the same.
func (s *Service) ExpireMessages(ctx context.Context, messages map[ids.ConversationID][]ids.MessageID) error {
	return s.watcher.ExpireMessages(ctx, messages)
}

func (s *Service) requireJoined(ctx context.Context, groupID ids.GroupID) error {
	info, err := s.stores.Groups.GetInfo(ctx, groupID)
	if err != nil {
		return err
	}
	if info == nil || info.MembershipLevel != MembershipJoined {
		return fmt.Errorf("messaging: not a member of group %s", groupID)
	}
	return nil
}

// sendToUsers queues one control entry per recipient.
func (s *Service) sendToUsers(ctx context.Context, userIDs []ids.UserID, m SlyMessage) error {
	if len(userIDs) == 0 {
		return nil
	}
	payload, err := SerializeMessage(m)
	if err != nil {
		return err
	}
	entries := make([]OutboundEntry, 0, len(userIDs))
	for _, userID := range userIDs {
		metadata, err := NewMessageMetadata(userID, nil, CategoryOther, ids.NewMessageID())
		if err != nil {
			return err
		}
		entries = append(entries, OutboundEntry{Metadata: metadata, Payload: payload})
	}
	return s.sender.AddManyToQueue(ctx, entries)
}

// handleInboundMessage applies the contact trust policy, persists the package
// and acknowledges receipt to the relay. Packages from blocked or
// unresolvable senders are dropped but still acknowledged so the relay stops
// redelivering them.
func (s *Service) handleInboundMessage(ctx context.Context, m relay.ReceivedMessage) {
	blocked, err := s.stores.Contacts.IsBlocked(ctx, m.From.User)
	if err != nil {
		s.log.Warnf("failed checking block state for %s: %v", m.From, err)
		return
	}
	if blocked {
		s.log.Debugf("dropping package %s from blocked sender %s", m.MessageID, m.From)
		s.ackReceived(m.MessageID)
		return
	}

	resolved, err := resolveMissingContacts(ctx, s.stores.Contacts, s.log, []ids.UserID{m.From.User})
	if err != nil {
		s.log.Warnf("failed resolving contact %s: %v", m.From, err)
		return
	}
	if len(resolved) == 0 {
		s.log.Warnf("dropping package %s from unresolvable sender %s", m.MessageID, m.From)
		s.ackReceived(m.MessageID)
		return
	}

	p := &Package{
		ID:        PackageID{Address: m.From, MessageID: m.MessageID},
		Timestamp: s.clock.CurrentTimeMs(),
		Payload:   m.Content,
	}
	if err := s.receiver.ProcessPackages(ctx, []*Package{p}); err != nil {
		// No ack. The relay will redeliver and queueing gets another try.
		s.log.Warnf("failed queueing package %s: %v", m.MessageID, err)
		return
	}
	s.ackReceived(m.MessageID)
}

func (s *Service) ackReceived(messageID ids.MessageID) {
	if err := s.relay.SendMessageReceivedAck(messageID); err != nil {
		s.log.Warnf("failed acking %s: %v", messageID, err)
	}
}

// handleMessageSent marks the persisted message delivered and republishes an
// update. Group fan-out shares one message id across recipients, so only the
// first acknowledgement produces an update.
func (s *Service) handleMessageSent(ctx context.Context, record MessageSendRecord) {
	var conversationID ids.ConversationID
	switch record.Metadata.Category {
	case CategoryTextSingle:
		conversationID = record.Metadata.UserID.ConversationID()
	case CategoryTextGroup:
		conversationID = record.Metadata.GroupID.ConversationID()
	default:
		return
	}

	m, err := s.stores.Conversations.MarkMessageAsDelivered(ctx, conversationID, record.Metadata.MessageID, record.Timestamp)
	if err != nil {
		s.log.Warnf("failed marking %s delivered: %v", record.Metadata.MessageID, err)
		return
	}
	if m == nil {
		return
	}
	s.messageUpdates.Publish(MessageUpdateEvent{ConversationID: conversationID, Message: m})

	if m.TTLMs > 0 {
		expiresAt := record.Timestamp + m.TTLMs
		if err := s.stores.Conversations.SetMessageExpiry(ctx, conversationID, m.ID, expiresAt); err != nil {
			s.log.Warnf("failed setting expiry for %s: %v", m.ID, err)
		} else {
			m.ExpiresAt = expiresAt
			s.watcher.ScheduleExpiration(conversationID, m.ID, expiresAt)
		}
	}

	s.broadcastSentMessage(ctx, conversationID, m)
}

// broadcastSentMessage mirrors a delivered message to the local identity's
// other devices.
func (s *Service) broadcastSentMessage(ctx context.Context, conversationID ids.ConversationID, m *ConversationMessage) {
	userRef, groupRef := conversationIDRefs(conversationID)
	mirror := &SyncSelfMessage{SentMessage: SyncSentMessageInfo{
		UserID:    userRef,
		GroupID:   groupRef,
		MessageID: m.ID,
		Message:   m.Message,
		Timestamp: m.Timestamp,
		TTLMs:     m.TTLMs,
	}}
	if err := s.sendToUsers(ctx, []ids.UserID{s.self.User}, mirror); err != nil {
		s.log.Warnf("failed broadcasting sent message %s: %v", m.ID, err)
	}
}

func (s *Service) handleMessagesExpired(ctx context.Context, e MessagesExpiredEvent) {
	s.messageUpdates.Publish(e)
	if e.FromSync {
		return
	}
	for conversationID, messageIDs := range e.Expired {
		userRef, groupRef := conversationIDRefs(conversationID)
		for _, messageID := range messageIDs {
			mirror := &SyncMessageExpired{UserID: userRef, GroupID: groupRef, MessageID: messageID}
			if err := s.sendToUsers(ctx, []ids.UserID{s.self.User}, mirror); err != nil {
				s.log.Warnf("failed broadcasting expiration of %s: %v", messageID, err)
			}
		}
	}
}
