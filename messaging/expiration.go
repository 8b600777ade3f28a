package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/VFPowerTechnologies/sly-chat-sub002/clock"
	"github.com/VFPowerTechnologies/sly-chat-sub002/config"
	"github.com/VFPowerTechnologies/sly-chat-sub002/events"
	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type expiringEntry struct {
	conversationID ids.ConversationID
	messageID      ids.MessageID
	expiresAt      uint64
}

// Watcher schedules destruction of self-expiring messages. It keeps a
// timestamp-ordered sequence of entries and exactly one armed timer pointed
// at the soonest deadline.
type Watcher struct {
	log           *zap.SugaredLogger
	clock         clock.Clock
	conversations ConversationStore

	lock    sync.Mutex
	entries []expiringEntry
	timer   clock.Timer
	stopped bool

	expired *events.Broadcaster
}

func NewWatcher(c *config.Config, cl clock.Clock, conversations ConversationStore) *Watcher {
	return &Watcher{
		log:           c.Logger("expiration"),
		clock:         cl,
		conversations: conversations,
		expired:       events.NewBroadcaster(),
	}
}

// Start loads all persisted pending expirations. Entries already past their
// deadline are expired immediately in one batch, the rest are scheduled.
func (w *Watcher) Start() error {
	ctx := context.Background()
	pending, err := w.conversations.GetMessagesAwaitingExpiration(ctx)
	if err != nil {
		return err
	}

	now := w.clock.CurrentTimeMs()
	overdue := make(map[ids.ConversationID][]ids.MessageID)

	w.lock.Lock()
	w.stopped = false
	for _, m := range pending {
		if m.ExpiresAt <= now {
			overdue[m.ConversationID] = append(overdue[m.ConversationID], m.MessageID)
			continue
		}
		w.entries = append(w.entries, expiringEntry{
			conversationID: m.ConversationID,
			messageID:      m.MessageID,
			expiresAt:      m.ExpiresAt,
		})
	}
	slices.SortFunc(w.entries, func(a, b expiringEntry) int {
		switch {
		case a.expiresAt < b.expiresAt:
			return -1
		case a.expiresAt > b.expiresAt:
			return 1
		default:
			return 0
		}
	})
	w.rearm()
	w.lock.Unlock()

	if len(overdue) > 0 {
		w.expire(ctx, overdue, false)
	}
	return nil
}

func (w *Watcher) Shutdown() {
	w.lock.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.entries = nil
	w.lock.Unlock()
	w.expired.Close()
}

// MessagesExpired emits a MessagesExpiredEvent per destruction batch.
func (w *Watcher) MessagesExpired() (<-chan interface{}, func()) {
	return w.expired.Subscribe()
}

// ScheduleExpiration registers a deadline for a persisted message.
func (w *Watcher) ScheduleExpiration(conversationID ids.ConversationID, messageID ids.MessageID, expiresAt uint64) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.stopped {
		return
	}

	e := expiringEntry{conversationID: conversationID, messageID: messageID, expiresAt: expiresAt}
	at, _ := slices.BinarySearchFunc(w.entries, e, func(a, b expiringEntry) int {
		if a.expiresAt <= b.expiresAt {
			return -1
		}
		return 1
	})
	w.entries = slices.Insert(w.entries, at, e)
	if at == 0 {
		w.rearm()
	}
}

// UnscheduleExpiration drops the deadline for a message deleted out-of-band.
func (w *Watcher) UnscheduleExpiration(conversationID ids.ConversationID, messageID ids.MessageID) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.unschedule(conversationID, messageID)
}

// ExpireMessages destroys the given messages now, regardless of deadline.
func (w *Watcher) ExpireMessages(ctx context.Context, messages map[ids.ConversationID][]ids.MessageID) error {
	return w.expireNow(ctx, messages, false)
}

// ExpireMessagesFromSync destroys messages on behalf of another of the local
// identity's devices. The resulting event is marked so it does not get
// broadcast back, which would bounce between devices forever.
func (w *Watcher) ExpireMessagesFromSync(ctx context.Context, messages map[ids.ConversationID][]ids.MessageID) error {
	return w.expireNow(ctx, messages, true)
}

func (w *Watcher) expireNow(ctx context.Context, messages map[ids.ConversationID][]ids.MessageID, fromSync bool) error {
	w.lock.Lock()
	for conversationID, messageIDs := range messages {
		for _, messageID := range messageIDs {
			w.unschedule(conversationID, messageID)
		}
	}
	w.lock.Unlock()
	return w.expire(ctx, messages, fromSync)
}

// unschedule removes one entry and rearms if the head changed. Callers hold
// the lock.
func (w *Watcher) unschedule(conversationID ids.ConversationID, messageID ids.MessageID) {
	for i, e := range w.entries {
		if e.conversationID == conversationID && e.messageID == messageID {
			w.entries = slices.Delete(w.entries, i, i+1)
			if i == 0 {
				w.rearm()
			}
			return
		}
	}
}

// rearm points the single timer at the soonest deadline. Callers hold the
// lock.
func (w *Watcher) rearm() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.stopped || len(w.entries) == 0 {
		return
	}

	now := w.clock.CurrentTimeMs()
	var d time.Duration
	if next := w.entries[0].expiresAt; next > now {
		d = time.Duration(next-now) * time.Millisecond
	}
	w.timer = w.clock.AfterFunc(d, w.onTimer)
}

func (w *Watcher) onTimer() {
	now := w.clock.CurrentTimeMs()
	due := make(map[ids.ConversationID][]ids.MessageID)

	w.lock.Lock()
	if w.stopped {
		w.lock.Unlock()
		return
	}
	i := 0
	for ; i < len(w.entries) && w.entries[i].expiresAt <= now; i++ {
		e := w.entries[i]
		due[e.conversationID] = append(due[e.conversationID], e.messageID)
	}
	w.entries = w.entries[i:]
	w.rearm()
	w.lock.Unlock()

	if len(due) > 0 {
		w.expire(context.Background(), due, false)
	}
}

func (w *Watcher) expire(ctx context.Context, messages map[ids.ConversationID][]ids.MessageID, fromSync bool) error {
	n, err := w.conversations.ExpireMessages(ctx, messages)
	if err != nil {
		w.log.Warnf("failed expiring messages: %v", err)
		return err
	}
	if n > 0 {
		w.expired.Publish(MessagesExpiredEvent{Expired: messages, FromSync: fromSync})
	}
	return nil
}
