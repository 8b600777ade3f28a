package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"github.com/stretchr/testify/require"
)

type scheduledExpiration struct {
	conversationID ids.ConversationID
	messageID      ids.MessageID
	expiresAt      uint64
}

type fakeScheduler struct {
	lock      sync.Mutex
	scheduled []scheduledExpiration
	fromSync  []map[ids.ConversationID][]ids.MessageID
}

func (s *fakeScheduler) ScheduleExpiration(conversationID ids.ConversationID, messageID ids.MessageID, expiresAt uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.scheduled = append(s.scheduled, scheduledExpiration{conversationID: conversationID, messageID: messageID, expiresAt: expiresAt})
}

func (s *fakeScheduler) ExpireMessagesFromSync(_ context.Context, messages map[ids.ConversationID][]ids.MessageID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.fromSync = append(s.fromSync, messages)
	return nil
}

type processorFixture struct {
	clock         *testClock
	groups        *memGroups
	contacts      *memContacts
	conversations *memConversations
	scheduler     *fakeScheduler
	processor     *Processor
	groupEvents   <-chan interface{}
	newMessages   <-chan interface{}
}

func newProcessorFixture(t *testing.T, self ids.UserID) *processorFixture {
	f := &processorFixture{
		clock:         newTestClock(5000),
		groups:        newMemGroups(),
		contacts:      newMemContacts(),
		conversations: newMemConversations(),
		scheduler:     &fakeScheduler{},
	}
	f.processor = NewProcessor(testConfig(), f.clock, self, f.groups, f.contacts, f.conversations, f.scheduler)
	t.Cleanup(f.processor.Close)
	groupEvents, cancelGroups := f.processor.GroupEvents()
	newMessages, cancelMessages := f.processor.NewMessages()
	t.Cleanup(cancelGroups)
	t.Cleanup(cancelMessages)
	f.groupEvents = groupEvents
	f.newMessages = newMessages
	return f
}

func (f *processorFixture) expectGroupEvent(t *testing.T) GroupEvent {
	select {
	case e := <-f.groupEvents:
		return e.(GroupEvent)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for group event")
		return nil
	}
}

func (f *processorFixture) expectNoGroupEvent(t *testing.T) {
	select {
	case e := <-f.groupEvents:
		t.Fatalf("unexpected group event %#v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *processorFixture) expectNewMessage(t *testing.T) NewMessageEvent {
	select {
	case e := <-f.newMessages:
		return e.(NewMessageEvent)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for new message event")
		return NewMessageEvent{}
	}
}

func addr(user ids.UserID) ids.SlyAddress {
	return ids.SlyAddress{User: user, Device: 1}
}

func TestProcessorStoresDirectTextMessage(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	m := &TextMessage{ID: ids.NewMessageID(), Timestamp: 4000, Message: "hey"}
	require.Nil(f.processor.ProcessMessage(ctx, addr(100), m))

	e := f.expectNewMessage(t)
	require.Equal(ids.UserID(100).ConversationID(), e.ConversationID)
	require.Equal("hey", e.Message.Message)
	require.Equal(uint64(5000), e.Message.ReceivedTimestamp)
	require.NotNil(e.Message.Speaker)
	require.Equal(ids.UserID(100), *e.Message.Speaker)
	require.False(e.Message.Delivered)
	require.NotNil(f.conversations.get(ids.UserID(100).ConversationID(), m.ID))
	require.Empty(f.scheduler.scheduled)
}

func TestProcessorSchedulesExpiryForTTLMessage(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)

	m := &TextMessage{ID: ids.NewMessageID(), Timestamp: 4000, Message: "burn", TTLMs: 60000}
	require.Nil(f.processor.ProcessMessage(context.Background(), addr(100), m))

	e := f.expectNewMessage(t)
	require.Equal(uint64(65000), e.Message.ExpiresAt)
	require.Len(f.scheduler.scheduled, 1)
	require.Equal(scheduledExpiration{
		conversationID: ids.UserID(100).ConversationID(),
		messageID:      m.ID,
		expiresAt:      65000,
	}, f.scheduler.scheduled[0])
}

func TestProcessorInvitationCreatesGroupWithSender(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	groupID := ids.NewGroupID()
	m := &GroupInvitation{GroupID: groupID, Name: "climbing", Members: []ids.UserID{200, 300}}
	require.Nil(f.processor.ProcessMessage(ctx, addr(100), m))

	e := f.expectGroupEvent(t)
	created, ok := e.(NewGroupEvent)
	require.True(ok)
	require.Equal(groupID, created.Group.ID)
	require.Equal("climbing", created.Group.Name)
	require.Equal(MembershipJoined, created.Group.MembershipLevel)
	require.ElementsMatch([]ids.UserID{100, 200, 300}, created.Members)

	members, err := f.groups.GetMembers(ctx, groupID)
	require.Nil(err)
	require.ElementsMatch([]ids.UserID{100, 200, 300}, members)
}

func TestProcessorDuplicateInvitationIgnored(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	groupID := ids.NewGroupID()
	m := &GroupInvitation{GroupID: groupID, Name: "climbing", Members: []ids.UserID{200}}
	require.Nil(f.processor.ProcessMessage(ctx, addr(100), m))
	f.expectGroupEvent(t)

	// A second copy must not touch membership or emit anything.
	m2 := &GroupInvitation{GroupID: groupID, Name: "other name", Members: []ids.UserID{400}}
	require.Nil(f.processor.ProcessMessage(ctx, addr(300), m2))
	f.expectNoGroupEvent(t)

	info, err := f.groups.GetInfo(ctx, groupID)
	require.Nil(err)
	require.Equal("climbing", info.Name)
	members, err := f.groups.GetMembers(ctx, groupID)
	require.Nil(err)
	require.ElementsMatch([]ids.UserID{100, 200}, members)
}

func TestProcessorInvitationRejoinsPartedGroup(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	groupID := ids.NewGroupID()
	require.Nil(f.processor.ProcessMessage(ctx, addr(100), &GroupInvitation{GroupID: groupID, Name: "g", Members: []ids.UserID{200}}))
	f.expectGroupEvent(t)

	parted, err := f.groups.Part(ctx, groupID)
	require.Nil(err)
	require.True(parted)

	require.Nil(f.processor.ProcessMessage(ctx, addr(100), &GroupInvitation{GroupID: groupID, Name: "g", Members: []ids.UserID{200}}))
	f.expectGroupEvent(t)

	info, err := f.groups.GetInfo(ctx, groupID)
	require.Nil(err)
	require.Equal(MembershipJoined, info.MembershipLevel)
}

func TestProcessorInvitationToBlockedGroupIgnored(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	groupID := ids.NewGroupID()
	require.Nil(f.groups.Block(ctx, groupID))

	require.Nil(f.processor.ProcessMessage(ctx, addr(100), &GroupInvitation{GroupID: groupID, Name: "g", Members: []ids.UserID{200}}))
	f.expectNoGroupEvent(t)

	info, err := f.groups.GetInfo(ctx, groupID)
	require.Nil(err)
	require.Equal(MembershipBlocked, info.MembershipLevel)
}

func TestProcessorGroupTextFromNonMemberIgnored(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	groupID := ids.NewGroupID()
	require.Nil(f.groups.Join(ctx, &GroupInfo{ID: groupID, Name: "g"}, []ids.UserID{100}))

	m := &TextMessage{ID: ids.NewMessageID(), Timestamp: 4000, Message: "intruder", GroupID: &groupID}
	require.Nil(f.processor.ProcessMessage(ctx, addr(999), m))

	require.Equal(0, f.conversations.countFor(groupID.ConversationID()))

	// The same text from a member lands.
	m2 := &TextMessage{ID: ids.NewMessageID(), Timestamp: 4000, Message: "hello", GroupID: &groupID}
	require.Nil(f.processor.ProcessMessage(ctx, addr(100), m2))
	e := f.expectNewMessage(t)
	require.Equal(groupID.ConversationID(), e.ConversationID)
}

func TestProcessorGroupTextForUnknownGroupIgnored(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)

	groupID := ids.NewGroupID()
	m := &TextMessage{ID: ids.NewMessageID(), Timestamp: 4000, Message: "void", GroupID: &groupID}
	require.Nil(f.processor.ProcessMessage(context.Background(), addr(100), m))
	require.Equal(0, f.conversations.countFor(groupID.ConversationID()))
}

func TestProcessorJoinEmitsOnlyNewMembers(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	groupID := ids.NewGroupID()
	require.Nil(f.groups.Join(ctx, &GroupInfo{ID: groupID, Name: "g"}, []ids.UserID{100, 200}))

	require.Nil(f.processor.ProcessMessage(ctx, addr(100), &GroupJoin{GroupID: groupID, Joined: []ids.UserID{200, 300}}))
	e := f.expectGroupEvent(t)
	joined, ok := e.(GroupJoinedEvent)
	require.True(ok)
	require.Equal([]ids.UserID{300}, joined.Members)

	// All already members, nothing to announce.
	require.Nil(f.processor.ProcessMessage(ctx, addr(100), &GroupJoin{GroupID: groupID, Joined: []ids.UserID{200, 300}}))
	f.expectNoGroupEvent(t)
}

func TestProcessorJoinFromNonMemberIgnored(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	groupID := ids.NewGroupID()
	require.Nil(f.groups.Join(ctx, &GroupInfo{ID: groupID, Name: "g"}, []ids.UserID{100}))

	require.Nil(f.processor.ProcessMessage(ctx, addr(999), &GroupJoin{GroupID: groupID, Joined: []ids.UserID{300}}))
	f.expectNoGroupEvent(t)

	members, err := f.groups.GetMembers(ctx, groupID)
	require.Nil(err)
	require.Equal([]ids.UserID{100}, members)
}

func TestProcessorPartRemovesSender(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	groupID := ids.NewGroupID()
	require.Nil(f.groups.Join(ctx, &GroupInfo{ID: groupID, Name: "g"}, []ids.UserID{100, 200}))

	require.Nil(f.processor.ProcessMessage(ctx, addr(100), &GroupPart{GroupID: groupID}))
	e := f.expectGroupEvent(t)
	parted, ok := e.(GroupPartedEvent)
	require.True(ok)
	require.Equal(ids.UserID(100), parted.Member)

	// A second part from the same sender is no longer member gated in.
	require.Nil(f.processor.ProcessMessage(ctx, addr(100), &GroupPart{GroupID: groupID}))
	f.expectNoGroupEvent(t)
}

func TestProcessorSyncMessagesRejectedFromNonSelf(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)
	ctx := context.Background()

	peer := ids.UserID(100)
	mirror := &SyncSelfMessage{SentMessage: SyncSentMessageInfo{
		UserID:    &peer,
		MessageID: ids.NewMessageID(),
		Message:   "forged",
		Timestamp: 4000,
	}}
	require.Nil(f.processor.ProcessMessage(ctx, addr(100), mirror))
	require.Equal(0, f.conversations.countFor(peer.ConversationID()))

	expired := &SyncMessageExpired{UserID: &peer, MessageID: ids.NewMessageID()}
	require.Nil(f.processor.ProcessMessage(ctx, addr(100), expired))
	require.Empty(f.scheduler.fromSync)
}

func TestProcessorSyncSelfMessageStoresDeliveredCopy(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)

	peer := ids.UserID(100)
	messageID := ids.NewMessageID()
	mirror := &SyncSelfMessage{SentMessage: SyncSentMessageInfo{
		UserID:    &peer,
		MessageID: messageID,
		Message:   "from my other phone",
		Timestamp: 4000,
		TTLMs:     30000,
	}}
	require.Nil(f.processor.ProcessMessage(context.Background(), addr(1), mirror))

	e := f.expectNewMessage(t)
	require.Equal(peer.ConversationID(), e.ConversationID)
	require.Nil(e.Message.Speaker)
	require.True(e.Message.Delivered)
	require.Equal(uint64(34000), e.Message.ExpiresAt)
	require.Len(f.scheduler.scheduled, 1)
	require.Equal(messageID, f.scheduler.scheduled[0].messageID)
}

func TestProcessorSyncMessageExpiredForwardsToWatcher(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t, 1)

	peer := ids.UserID(100)
	messageID := ids.NewMessageID()
	require.Nil(f.processor.ProcessMessage(context.Background(), addr(1), &SyncMessageExpired{UserID: &peer, MessageID: messageID}))

	require.Len(f.scheduler.fromSync, 1)
	require.Equal(map[ids.ConversationID][]ids.MessageID{
		peer.ConversationID(): {messageID},
	}, f.scheduler.fromSync[0])
}
