package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/VFPowerTechnologies/sly-chat-sub002/cipher"
	"github.com/VFPowerTechnologies/sly-chat-sub002/clock"
	"github.com/VFPowerTechnologies/sly-chat-sub002/config"
	"github.com/VFPowerTechnologies/sly-chat-sub002/events"
	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"github.com/VFPowerTechnologies/sly-chat-sub002/relay"
)

func testConfig() *config.Config {
	return config.NewConfig(config.WithLoggingPrefix("test"))
}

// testClock is a manually advanced clock with AfterFunc support.

type testTimer struct {
	deadline uint64
	f        func()
	stopped  bool
}

func (t *testTimer) Stop() bool {
	stopped := t.stopped
	t.stopped = true
	return !stopped
}

type testClock struct {
	lock   sync.Mutex
	nowMs  uint64
	timers []*testTimer
}

func newTestClock(nowMs uint64) *testClock {
	return &testClock{nowMs: nowMs}
}

func (c *testClock) CurrentTimeMs() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.nowMs
}

func (c *testClock) Now() time.Time {
	return time.UnixMilli(int64(c.CurrentTimeMs()))
}

func (c *testClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.lock.Lock()
	defer c.lock.Unlock()
	t := &testTimer{deadline: c.nowMs + uint64(d.Milliseconds()), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers in deadline order.
func (c *testClock) Advance(ms uint64) {
	c.lock.Lock()
	c.nowMs += ms
	due := make([]*testTimer, 0)
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && t.deadline <= c.nowMs {
			t.stopped = true
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.lock.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	for _, t := range due {
		t.f()
	}
}

// fakeRelay implements RelayConnection with scripted connectivity.

type sentRelayMessage struct {
	connectionTag uint32
	to            ids.UserID
	bundle        *relay.MessageBundle
	messageID     ids.MessageID
}

type fakeRelay struct {
	lock         sync.Mutex
	online       bool
	tag          uint32
	onlineStatus *events.Broadcaster
	events       *events.Broadcaster
	sent         chan sentRelayMessage
	acked        chan ids.MessageID
	sendErr      error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		onlineStatus: events.NewBroadcaster(),
		events:       events.NewBroadcaster(),
		sent:         make(chan sentRelayMessage, 100),
		acked:        make(chan ids.MessageID, 100),
	}
}

func (r *fakeRelay) IsOnline() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.online
}

func (r *fakeRelay) ConnectionTag() uint32 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.tag
}

func (r *fakeRelay) OnlineStatus() (<-chan interface{}, func()) {
	return r.onlineStatus.Subscribe()
}

func (r *fakeRelay) Events() (<-chan interface{}, func()) {
	return r.events.Subscribe()
}

func (r *fakeRelay) SendMessage(connectionTag uint32, to ids.UserID, bundle *relay.MessageBundle, messageID ids.MessageID) error {
	r.lock.Lock()
	err := r.sendErr
	tag := r.tag
	r.lock.Unlock()
	if err != nil {
		return err
	}
	if connectionTag != tag {
		return nil
	}
	r.sent <- sentRelayMessage{connectionTag: connectionTag, to: to, bundle: bundle, messageID: messageID}
	return nil
}

func (r *fakeRelay) SendMessageReceivedAck(messageID ids.MessageID) error {
	r.acked <- messageID
	return nil
}

func (r *fakeRelay) setSendErr(err error) {
	r.lock.Lock()
	r.sendErr = err
	r.lock.Unlock()
}

func (r *fakeRelay) goOnline() {
	r.lock.Lock()
	r.online = true
	r.tag++
	r.lock.Unlock()
	r.onlineStatus.Publish(true)
}

func (r *fakeRelay) goOffline() {
	r.lock.Lock()
	r.online = false
	r.lock.Unlock()
	r.onlineStatus.Publish(false)
}

func (r *fakeRelay) emit(e relay.Event) {
	r.events.Publish(e)
}

// fakeCipher records submitted work and lets tests script the results.

type encryptRequest struct {
	to            ids.UserID
	payload       []byte
	connectionTag uint32
}

type decryptRequest struct {
	from ids.SlyAddress
	info cipher.EncryptedMessageInfo
}

type updateRequest struct {
	user ids.UserID
	info relay.MismatchInfo
}

type fakeCipher struct {
	encryptRequests chan encryptRequest
	decryptRequests chan decryptRequest
	updateRequests  chan updateRequest
	encrypted       chan cipher.EncryptionResult
	decrypted       chan cipher.DecryptionResult
	updated         chan cipher.DeviceUpdateResult
}

func newFakeCipher() *fakeCipher {
	return &fakeCipher{
		encryptRequests: make(chan encryptRequest, 100),
		decryptRequests: make(chan decryptRequest, 100),
		updateRequests:  make(chan updateRequest, 100),
		encrypted:       make(chan cipher.EncryptionResult, 100),
		decrypted:       make(chan cipher.DecryptionResult, 100),
		updated:         make(chan cipher.DeviceUpdateResult, 100),
	}
}

func (c *fakeCipher) Encrypt(to ids.UserID, payload []byte, connectionTag uint32) {
	c.encryptRequests <- encryptRequest{to: to, payload: payload, connectionTag: connectionTag}
}

func (c *fakeCipher) Decrypt(from ids.SlyAddress, info cipher.EncryptedMessageInfo) {
	c.decryptRequests <- decryptRequest{from: from, info: info}
}

func (c *fakeCipher) UpdateDevices(user ids.UserID, info relay.MismatchInfo) {
	c.updateRequests <- updateRequest{user: user, info: info}
}

func (c *fakeCipher) EncryptedMessages() <-chan cipher.EncryptionResult {
	return c.encrypted
}

func (c *fakeCipher) DecryptedMessages() <-chan cipher.DecryptionResult {
	return c.decrypted
}

func (c *fakeCipher) DeviceUpdates() <-chan cipher.DeviceUpdateResult {
	return c.updated
}

// singleDeviceResult scripts a successful encryption to one device.
func singleDeviceResult(req encryptRequest) cipher.EncryptionResult {
	return cipher.EncryptionResult{
		To:            req.to,
		ConnectionTag: req.connectionTag,
		Messages: []cipher.EncryptedMessage{
			{DeviceID: 1, RegistrationID: 1, Payload: req.payload},
		},
	}
}

// in-memory stores

type memOutbound struct {
	lock    sync.Mutex
	entries []*QueuedMessage
	addErr  error
}

func newMemOutbound() *memOutbound {
	return &memOutbound{}
}

func (s *memOutbound) Add(ctx context.Context, m *QueuedMessage) error {
	return s.AddBatch(ctx, []*QueuedMessage{m})
}

func (s *memOutbound) AddBatch(_ context.Context, ms []*QueuedMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.entries = append(s.entries, ms...)
	return nil
}

func (s *memOutbound) Remove(_ context.Context, userID ids.UserID, messageID ids.MessageID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, m := range s.entries {
		if m.Metadata.UserID == userID && m.Metadata.MessageID == messageID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memOutbound) GetUndelivered(_ context.Context) ([]*QueuedMessage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*QueuedMessage, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *memOutbound) contains(userID ids.UserID, messageID ids.MessageID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, m := range s.entries {
		if m.Metadata.UserID == userID && m.Metadata.MessageID == messageID {
			return true
		}
	}
	return false
}

func (s *memOutbound) count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.entries)
}

type memInbound struct {
	lock     sync.Mutex
	packages []*Package
}

func newMemInbound() *memInbound {
	return &memInbound{}
}

func (s *memInbound) AddPackage(ctx context.Context, p *Package) error {
	return s.AddPackages(ctx, []*Package{p})
}

func (s *memInbound) AddPackages(_ context.Context, ps []*Package) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.packages = append(s.packages, ps...)
	return nil
}

func (s *memInbound) RemovePackage(ctx context.Context, id PackageID) error {
	return s.RemovePackages(ctx, []PackageID{id})
}

func (s *memInbound) RemovePackages(_ context.Context, packageIDs []PackageID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, id := range packageIDs {
		for i, p := range s.packages {
			if p.ID == id {
				s.packages = append(s.packages[:i], s.packages[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *memInbound) RemovePackagesForUser(_ context.Context, userID ids.UserID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	remaining := s.packages[:0]
	for _, p := range s.packages {
		if p.ID.Address.User != userID {
			remaining = append(remaining, p)
		}
	}
	s.packages = remaining
	return nil
}

func (s *memInbound) GetQueuedPackages(_ context.Context) ([]*Package, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*Package, len(s.packages))
	copy(out, s.packages)
	return out, nil
}

func (s *memInbound) count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.packages)
}

type memGroups struct {
	lock    sync.Mutex
	groups  map[ids.GroupID]*GroupInfo
	members map[ids.GroupID]map[ids.UserID]bool
}

func newMemGroups() *memGroups {
	return &memGroups{
		groups:  make(map[ids.GroupID]*GroupInfo),
		members: make(map[ids.GroupID]map[ids.UserID]bool),
	}
}

func (s *memGroups) GetInfo(_ context.Context, id ids.GroupID) (*GroupInfo, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	info := *g
	return &info, nil
}

func (s *memGroups) GetMembers(_ context.Context, id ids.GroupID) ([]ids.UserID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]ids.UserID, 0, len(s.members[id]))
	for m := range s.members[id] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memGroups) IsUserMemberOf(_ context.Context, id ids.GroupID, userID ids.UserID) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.members[id][userID], nil
}

func (s *memGroups) Join(_ context.Context, info *GroupInfo, members []ids.UserID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if g, ok := s.groups[info.ID]; ok {
		if g.MembershipLevel == MembershipBlocked {
			return fmt.Errorf("cannot join blocked group %s", info.ID)
		}
		if g.MembershipLevel == MembershipJoined {
			return fmt.Errorf("already joined group %s", info.ID)
		}
	}
	s.groups[info.ID] = &GroupInfo{ID: info.ID, Name: info.Name, MembershipLevel: MembershipJoined}
	s.members[info.ID] = make(map[ids.UserID]bool)
	for _, m := range members {
		s.members[info.ID][m] = true
	}
	return nil
}

func (s *memGroups) AddMembers(_ context.Context, id ids.GroupID, userIDs []ids.UserID) ([]ids.UserID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.members[id] == nil {
		s.members[id] = make(map[ids.UserID]bool)
	}
	var added []ids.UserID
	for _, m := range userIDs {
		if !s.members[id][m] {
			s.members[id][m] = true
			added = append(added, m)
		}
	}
	return added, nil
}

func (s *memGroups) RemoveMember(_ context.Context, id ids.GroupID, userID ids.UserID) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.members[id][userID] {
		return false, nil
	}
	delete(s.members[id], userID)
	return true, nil
}

func (s *memGroups) Part(_ context.Context, id ids.GroupID) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	g, ok := s.groups[id]
	if !ok || g.MembershipLevel != MembershipJoined {
		return false, nil
	}
	g.MembershipLevel = MembershipParted
	s.members[id] = make(map[ids.UserID]bool)
	return true, nil
}

func (s *memGroups) Block(_ context.Context, id ids.GroupID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	g, ok := s.groups[id]
	if !ok {
		g = &GroupInfo{ID: id}
		s.groups[id] = g
	}
	g.MembershipLevel = MembershipBlocked
	s.members[id] = make(map[ids.UserID]bool)
	return nil
}

func (s *memGroups) Unblock(_ context.Context, id ids.GroupID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if g, ok := s.groups[id]; ok && g.MembershipLevel == MembershipBlocked {
		g.MembershipLevel = MembershipParted
	}
	return nil
}

type memContacts struct {
	lock    sync.Mutex
	known   map[ids.UserID]bool
	blocked map[ids.UserID]bool
}

func newMemContacts() *memContacts {
	return &memContacts{
		known:   make(map[ids.UserID]bool),
		blocked: make(map[ids.UserID]bool),
	}
}

func (s *memContacts) AddMissingContacts(_ context.Context, userIDs []ids.UserID) ([]ids.UserID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var invalid []ids.UserID
	for _, id := range userIDs {
		if id <= 0 {
			invalid = append(invalid, id)
			continue
		}
		s.known[id] = true
	}
	return invalid, nil
}

func (s *memContacts) IsBlocked(_ context.Context, userID ids.UserID) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.blocked[userID], nil
}

func (s *memContacts) FilterBlocked(_ context.Context, userIDs []ids.UserID) ([]ids.UserID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]ids.UserID, 0, len(userIDs))
	for _, id := range userIDs {
		if !s.blocked[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memContacts) block(userID ids.UserID) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.blocked[userID] = true
}

type convKey struct {
	conversationID ids.ConversationID
	messageID      ids.MessageID
}

type memConversations struct {
	lock     sync.Mutex
	messages map[convKey]*ConversationMessage
	order    []convKey
}

func newMemConversations() *memConversations {
	return &memConversations{messages: make(map[convKey]*ConversationMessage)}
}

func (s *memConversations) AddMessage(_ context.Context, conversationID ids.ConversationID, m *ConversationMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	k := convKey{conversationID: conversationID, messageID: m.ID}
	copied := *m
	s.messages[k] = &copied
	s.order = append(s.order, k)
	return nil
}

func (s *memConversations) MarkMessageAsDelivered(_ context.Context, conversationID ids.ConversationID, messageID ids.MessageID, timestamp uint64) (*ConversationMessage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	m, ok := s.messages[convKey{conversationID: conversationID, messageID: messageID}]
	if !ok || m.Delivered {
		return nil, nil
	}
	m.Delivered = true
	m.DeliveredTimestamp = timestamp
	copied := *m
	return &copied, nil
}

func (s *memConversations) SetMessageExpiry(_ context.Context, conversationID ids.ConversationID, messageID ids.MessageID, expiresAt uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if m, ok := s.messages[convKey{conversationID: conversationID, messageID: messageID}]; ok {
		m.ExpiresAt = expiresAt
	}
	return nil
}

func (s *memConversations) GetMessagesAwaitingExpiration(_ context.Context) ([]*ExpiringMessage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*ExpiringMessage
	for _, k := range s.order {
		m, ok := s.messages[k]
		if !ok || m.ExpiresAt == 0 {
			continue
		}
		out = append(out, &ExpiringMessage{ConversationID: k.conversationID, MessageID: k.messageID, ExpiresAt: m.ExpiresAt})
	}
	return out, nil
}

func (s *memConversations) ExpireMessages(_ context.Context, messages map[ids.ConversationID][]ids.MessageID) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var total int64
	for conversationID, messageIDs := range messages {
		for _, messageID := range messageIDs {
			k := convKey{conversationID: conversationID, messageID: messageID}
			if _, ok := s.messages[k]; ok {
				delete(s.messages, k)
				total++
			}
		}
	}
	return total, nil
}

func (s *memConversations) get(conversationID ids.ConversationID, messageID ids.MessageID) *ConversationMessage {
	s.lock.Lock()
	defer s.lock.Unlock()
	m, ok := s.messages[convKey{conversationID: conversationID, messageID: messageID}]
	if !ok {
		return nil
	}
	copied := *m
	return &copied
}

func (s *memConversations) countFor(conversationID ids.ConversationID) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for k := range s.messages {
		if k.conversationID == conversationID {
			n++
		}
	}
	return n
}

func memStores(outbound *memOutbound, inbound *memInbound, groups *memGroups, contacts *memContacts, conversations *memConversations) Stores {
	return Stores{
		Outbound:      outbound,
		Inbound:       inbound,
		Groups:        groups,
		Contacts:      contacts,
		Conversations: conversations,
	}
}
