package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/VFPowerTechnologies/sly-chat-sub002/config"
	"github.com/VFPowerTechnologies/sly-chat-sub002/events"
	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
)

// ErrNotConnected is returned when an operation requires a live relay
// connection and there is none.
var ErrNotConnected = errors.New("relay: not connected")

// Manager owns the lifecycle of the relay connection. It reconnects with
// exponential backoff, tracks online state, assigns each connection a
// monotonic tag and refuses to send work tagged for a previous connection.
type Manager struct {
	config  *config.Config
	log     *zap.SugaredLogger
	factory ClientFactory

	lock          sync.Mutex
	client        Client
	online        bool
	connectionTag uint32

	events       *events.Broadcaster
	onlineStatus *events.Broadcaster

	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewManager(c *config.Config, factory ClientFactory) *Manager {
	return &Manager{
		config:       c,
		log:          c.Logger("relay/manager"),
		factory:      factory,
		events:       events.NewBroadcaster(),
		onlineStatus: events.NewBroadcaster(),
	}
}

func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.startConnectionLoop(ctx)
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.lock.Lock()
		if m.client != nil {
			if err := m.client.Close(); err != nil {
				m.log.Debugf("error closing relay client: %v", err)
			}
		}
		m.lock.Unlock()
		m.finished.Wait()
	}
	m.events.Close()
	m.onlineStatus.Close()
	return nil
}

func (m *Manager) IsOnline() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.online
}

// ConnectionTag returns the epoch of the current connection. Work created
// under an older tag must never reach the wire.
func (m *Manager) ConnectionTag() uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.connectionTag
}

// OnlineStatus emits a bool on every online/offline transition.
func (m *Manager) OnlineStatus() (<-chan interface{}, func()) {
	return m.onlineStatus.Subscribe()
}

// Events emits Event values received from the current connection.
func (m *Manager) Events() (<-chan interface{}, func()) {
	return m.events.Subscribe()
}

// SendMessage submits an outbound bundle tagged with the connection epoch it
// was prepared under. Bundles from a previous epoch are silently dropped;
// dropping is the fence which prevents duplicate sends across reconnects.
func (m *Manager) SendMessage(connectionTag uint32, to ids.UserID, bundle *MessageBundle, messageID ids.MessageID) error {
	m.lock.Lock()
	client := m.client
	current := m.connectionTag
	m.lock.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	if connectionTag != current {
		m.log.Debugf("dropping message %s to %d due to connection tag mismatch", messageID, to)
		return nil
	}
	return client.SendMessage(to, bundle, messageID)
}

func (m *Manager) SendMessageReceivedAck(messageID ids.MessageID) error {
	m.lock.Lock()
	client := m.client
	m.lock.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	return client.SendMessageReceivedAck(messageID)
}

func (m *Manager) startConnectionLoop(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Duration(m.config.RelayReconnectBaseMs) * time.Millisecond
		bo.MaxInterval = time.Duration(m.config.RelayReconnectMaxMs) * time.Millisecond
		bo.MaxElapsedTime = 0

		for {
			if ctx.Err() != nil {
				return
			}

			client, err := m.factory.Connect()
			if err != nil {
				wait := bo.NextBackOff()
				m.log.Debugf("relay connect failed, retrying in %s: %v", wait, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}

			bo.Reset()
			m.setOnline(client)
			m.pumpEvents(ctx, client)
			m.setOffline()
		}
	}()
}

// pumpEvents forwards events until the client's event channel closes, which
// signals a lost connection.
func (m *Manager) pumpEvents(ctx context.Context, client Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-client.Events():
			if !ok {
				return
			}
			m.events.Publish(e)
		}
	}
}

func (m *Manager) setOnline(client Client) {
	m.lock.Lock()
	m.client = client
	m.online = true
	m.connectionTag++
	tag := m.connectionTag
	m.lock.Unlock()

	m.log.Infof("relay is online, connection tag %d", tag)
	m.onlineStatus.Publish(true)
}

func (m *Manager) setOffline() {
	m.lock.Lock()
	if !m.online {
		m.lock.Unlock()
		return
	}
	m.client = nil
	m.online = false
	m.lock.Unlock()

	m.log.Infof("relay is offline")
	m.onlineStatus.Publish(false)
}
