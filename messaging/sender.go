package messaging

import (
	"context"
	"sync"

	"github.com/VFPowerTechnologies/sly-chat-sub002/cipher"
	"github.com/VFPowerTechnologies/sly-chat-sub002/clock"
	"github.com/VFPowerTechnologies/sly-chat-sub002/config"
	"github.com/VFPowerTechnologies/sly-chat-sub002/events"
	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"github.com/VFPowerTechnologies/sly-chat-sub002/relay"
	"go.uber.org/zap"
)

// RelayConnection is the slice of the relay manager the pipelines depend on.
type RelayConnection interface {
	IsOnline() bool
	ConnectionTag() uint32
	OnlineStatus() (<-chan interface{}, func())
	Events() (<-chan interface{}, func())
	SendMessage(connectionTag uint32, to ids.UserID, bundle *relay.MessageBundle, messageID ids.MessageID) error
	SendMessageReceivedAck(messageID ids.MessageID) error
}

// queuedEntry is an in-memory mirror of one durable outbound entry, tagged
// with the connection epoch current when it was loaded into memory.
type queuedEntry struct {
	message       *QueuedMessage
	connectionTag uint32
}

// Sender owns the outbound pipeline. Entries are persisted before any network
// attempt and fed one at a time through encryption and relay delivery. At most
// one entry is in flight at any instant; the rest wait in an in-memory FIFO
// rebuilt from the durable store on every reconnect.
type Sender struct {
	log    *zap.SugaredLogger
	clock  clock.Clock
	relay  RelayConnection
	cipher cipher.Service
	store  OutboundQueueStore

	enqueued chan struct{}
	queue    []*queuedEntry
	current  *queuedEntry
	online   bool

	messageSent *events.Broadcaster
	cancelFunc  context.CancelFunc
	finished    sync.WaitGroup
}

func NewSender(c *config.Config, cl clock.Clock, r RelayConnection, ci cipher.Service, store OutboundQueueStore) *Sender {
	return &Sender{
		log:         c.Logger("sender"),
		clock:       cl,
		relay:       r,
		cipher:      ci,
		store:       store,
		enqueued:    make(chan struct{}, 1),
		messageSent: events.NewBroadcaster(),
	}
}

func (s *Sender) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc

	onlineCh, cancelOnline := s.relay.OnlineStatus()
	eventCh, cancelEvents := s.relay.Events()

	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		defer cancelOnline()
		defer cancelEvents()

		if s.relay.IsOnline() {
			s.goOnline(ctx)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.enqueued:
				s.requeueFromStore(ctx)
				s.processNext()
			case u := <-onlineCh:
				if online, ok := u.(bool); ok {
					if online {
						s.goOnline(ctx)
					} else {
						s.goOffline()
					}
				}
			case e := <-eventCh:
				s.handleRelayEvent(ctx, e)
			case r := <-s.cipher.EncryptedMessages():
				s.handleEncryptionResult(ctx, r)
			case r := <-s.cipher.DeviceUpdates():
				s.handleDeviceUpdate(r)
			}
		}
	}()
	return nil
}

func (s *Sender) Shutdown() {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.finished.Wait()
	s.messageSent.Close()
}

// MessageSent emits one MessageSendRecord per entry once the relay has
// acknowledged receipt.
func (s *Sender) MessageSent() (<-chan interface{}, func()) {
	return s.messageSent.Subscribe()
}

// AddToQueue persists the entry, then attempts delivery if the relay is
// connected. Failure is returned only when durable persistence fails; all
// later delivery failures surface through MessageSent absence and logs.
func (s *Sender) AddToQueue(ctx context.Context, metadata MessageMetadata, payload []byte) error {
	return s.AddManyToQueue(ctx, []OutboundEntry{{Metadata: metadata, Payload: payload}})
}

// OutboundEntry is the caller-facing unit of AddManyToQueue.
type OutboundEntry struct {
	Metadata MessageMetadata
	Payload  []byte
}

func (s *Sender) AddManyToQueue(ctx context.Context, outbound []OutboundEntry) error {
	if len(outbound) == 0 {
		return nil
	}

	timestamp := s.clock.CurrentTimeMs()
	messages := make([]*QueuedMessage, 0, len(outbound))
	for _, o := range outbound {
		messages = append(messages, &QueuedMessage{Metadata: o.Metadata, Timestamp: timestamp, Payload: o.Payload})
	}
	if err := s.store.AddBatch(ctx, messages); err != nil {
		return err
	}

	// Wake the run loop. The signal carries no entries; the run loop reloads
	// them from the store, which stays consistent when a reconnect already
	// requeued the same rows.
	select {
	case s.enqueued <- struct{}{}:
	default:
	}
	return nil
}

// goOnline discards all in-memory state and rebuilds the queue from the
// durable store, which is the source of truth across reconnects.
func (s *Sender) goOnline(ctx context.Context) {
	s.online = true
	s.current = nil
	s.queue = nil
	s.requeueFromStore(ctx)
	s.log.Debugf("relay online, requeued %d entries", len(s.queue))
	s.processNext()
}

func (s *Sender) goOffline() {
	s.online = false
	s.current = nil
	s.queue = nil
	s.log.Debug("relay offline, discarded in-memory queue")
}

// requeueFromStore appends every undelivered row not already tracked in
// memory, tagged with the current connection epoch. Dropping the signal
// payloads means a row can never be queued twice, whichever of an enqueue
// wakeup and a reconnect rebuild runs first.
func (s *Sender) requeueFromStore(ctx context.Context) {
	if !s.online {
		return
	}
	undelivered, err := s.store.GetUndelivered(ctx)
	if err != nil {
		s.log.Warnf("failed loading undelivered messages: %v", err)
		return
	}
	connectionTag := s.relay.ConnectionTag()
	for _, m := range undelivered {
		if s.tracked(m.Metadata.UserID, m.Metadata.MessageID) {
			continue
		}
		s.queue = append(s.queue, &queuedEntry{message: m, connectionTag: connectionTag})
	}
}

// tracked reports whether the entry is already in flight or waiting in the
// in-memory queue.
func (s *Sender) tracked(userID ids.UserID, messageID ids.MessageID) bool {
	if s.current != nil && s.current.message.Metadata.UserID == userID && s.current.message.Metadata.MessageID == messageID {
		return true
	}
	for _, e := range s.queue {
		if e.message.Metadata.UserID == userID && e.message.Metadata.MessageID == messageID {
			return true
		}
	}
	return false
}

// processNext dispatches the oldest queued entry for encryption. Entries
// tagged with a stale connection epoch are dropped from memory only; their
// durable rows get requeued on the next reconnect.
func (s *Sender) processNext() {
	if !s.online || s.current != nil {
		return
	}

	connectionTag := s.relay.ConnectionTag()
	for len(s.queue) > 0 {
		entry := s.queue[0]
		s.queue = s.queue[1:]
		if entry.connectionTag != connectionTag {
			s.log.Debugf("dropping stale entry %s tagged %d, current %d", entry.message.Metadata.MessageID, entry.connectionTag, connectionTag)
			continue
		}
		s.current = entry
		s.cipher.Encrypt(entry.message.Metadata.UserID, entry.message.Payload, entry.connectionTag)
		return
	}
}

func (s *Sender) handleRelayEvent(ctx context.Context, e interface{}) {
	switch e := e.(type) {
	case relay.ServerReceivedMessage:
		if s.current == nil || s.current.message.Metadata.MessageID != e.MessageID {
			s.log.Warnf("ack for %s does not match in-flight entry", e.MessageID)
			return
		}
		s.completeCurrent(ctx, e.Timestamp)
	case relay.DeviceMismatch:
		if s.current == nil || s.current.message.Metadata.MessageID != e.MessageID {
			s.log.Warnf("device mismatch for %s does not match in-flight entry", e.MessageID)
			return
		}
		s.log.Infof("device mismatch for %d, repairing", e.To)
		s.cipher.UpdateDevices(e.To, e.Info)
	}
}

func (s *Sender) handleEncryptionResult(ctx context.Context, r cipher.EncryptionResult) {
	if s.current == nil || s.current.message.Metadata.UserID != r.To || s.current.connectionTag != r.ConnectionTag {
		s.log.Debugf("discarding encryption result for %d from epoch %d", r.To, r.ConnectionTag)
		return
	}
	if !s.online || r.ConnectionTag != s.relay.ConnectionTag() {
		s.current = nil
		return
	}
	if r.Err != nil {
		s.log.Warnf("encryption for %d failed: %v", r.To, r.Err)
		s.current = nil
		s.processNext()
		return
	}

	// A result with no device messages is a send to the local identity with no
	// other devices registered. There is nothing to transmit, so the entry
	// completes here with a locally synthesized acknowledgement.
	if len(r.Messages) == 0 {
		s.completeCurrent(ctx, s.clock.CurrentTimeMs())
		return
	}

	bundle := &relay.MessageBundle{Messages: make([]relay.UserMessage, 0, len(r.Messages))}
	for _, m := range r.Messages {
		bundle.Messages = append(bundle.Messages, relay.UserMessage{
			DeviceID:       m.DeviceID,
			RegistrationID: m.RegistrationID,
			Payload:        m.Payload,
		})
	}
	if err := s.relay.SendMessage(r.ConnectionTag, r.To, bundle, s.current.message.Metadata.MessageID); err != nil {
		// The entry stays in the durable store for the next reconnect. Later
		// entries keep flowing.
		s.log.Warnf("relay send for %d failed: %v", r.To, err)
		s.current = nil
		s.processNext()
	}
}

func (s *Sender) handleDeviceUpdate(r cipher.DeviceUpdateResult) {
	if s.current == nil || s.current.message.Metadata.UserID != r.User {
		s.log.Debugf("discarding device update result for %d", r.User)
		return
	}
	if r.Err != nil {
		// The entry stays in the durable store and gets another attempt on the
		// next reconnect. Later entries keep flowing.
		s.log.Warnf("device update for %d failed: %v", r.User, r.Err)
		s.current = nil
		s.processNext()
		return
	}
	s.log.Debugf("device update for %d complete, retrying in-flight entry", r.User)
	s.cipher.Encrypt(s.current.message.Metadata.UserID, s.current.message.Payload, s.current.connectionTag)
}

func (s *Sender) completeCurrent(ctx context.Context, timestamp uint64) {
	metadata := s.current.message.Metadata
	if err := s.store.Remove(ctx, metadata.UserID, metadata.MessageID); err != nil {
		s.log.Warnf("failed removing delivered entry %s: %v", metadata.MessageID, err)
	}
	s.current = nil
	s.messageSent.Publish(MessageSendRecord{Metadata: metadata, Timestamp: timestamp})
	s.processNext()
}
