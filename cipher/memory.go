package cipher

import (
	"context"
	"fmt"
	"sync"

	"github.com/VFPowerTechnologies/sly-chat-sub002/crypto"
	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"github.com/VFPowerTechnologies/sly-chat-sub002/relay"
	"go.uber.org/zap"
)

type memoryDevice struct {
	registrationID uint32
	key            [32]byte
}

type encryptWork struct {
	to            ids.UserID
	payload       []byte
	connectionTag uint32
}

type decryptWork struct {
	from ids.SlyAddress
	info EncryptedMessageInfo
}

type deviceUpdateWork struct {
	user ids.UserID
	info relay.MismatchInfo
}

// MemoryService is an in-memory Service backed by per-device symmetric keys.
// It runs all work on a single goroutine, so results come back in submission
// order per stream.
type MemoryService struct {
	log        *zap.SugaredLogger
	self       ids.SlyAddress
	selfKey    [32]byte
	lock       sync.Mutex
	devices    map[ids.UserID]map[ids.DeviceID]memoryDevice
	work       chan interface{}
	encrypted  chan EncryptionResult
	decrypted  chan DecryptionResult
	updated    chan DeviceUpdateResult
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewMemoryService(log *zap.SugaredLogger, self ids.SlyAddress) (*MemoryService, error) {
	key, err := crypto.NewKey()
	if err != nil {
		return nil, err
	}
	s := &MemoryService{
		log:       log,
		self:      self,
		selfKey:   key,
		devices:   make(map[ids.UserID]map[ids.DeviceID]memoryDevice),
		work:      make(chan interface{}, 100),
		encrypted: make(chan EncryptionResult, 100),
		decrypted: make(chan DecryptionResult, 100),
		updated:   make(chan DeviceUpdateResult, 100),
	}
	s.addDevice(self.User, self.Device, uint32(self.Device), key)
	return s, nil
}

func (s *MemoryService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case w := <-s.work:
				s.process(w)
			}
		}
	}()
}

func (s *MemoryService) Shutdown() {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.finished.Wait()
}

// RegisterDevice makes a remote device known so Encrypt targets it. The
// returned key is what that device would use to decrypt.
func (s *MemoryService) RegisterDevice(user ids.UserID, device ids.DeviceID, registrationID uint32) ([32]byte, error) {
	key, err := crypto.NewKey()
	if err != nil {
		return [32]byte{}, err
	}
	s.addDevice(user, device, registrationID, key)
	return key, nil
}

func (s *MemoryService) addDevice(user ids.UserID, device ids.DeviceID, registrationID uint32, key [32]byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	m, ok := s.devices[user]
	if !ok {
		m = make(map[ids.DeviceID]memoryDevice)
		s.devices[user] = m
	}
	m[device] = memoryDevice{registrationID: registrationID, key: key}
}

func (s *MemoryService) Encrypt(to ids.UserID, payload []byte, connectionTag uint32) {
	s.work <- encryptWork{to: to, payload: payload, connectionTag: connectionTag}
}

func (s *MemoryService) Decrypt(from ids.SlyAddress, info EncryptedMessageInfo) {
	s.work <- decryptWork{from: from, info: info}
}

func (s *MemoryService) UpdateDevices(user ids.UserID, info relay.MismatchInfo) {
	s.work <- deviceUpdateWork{user: user, info: info}
}

func (s *MemoryService) EncryptedMessages() <-chan EncryptionResult {
	return s.encrypted
}

func (s *MemoryService) DecryptedMessages() <-chan DecryptionResult {
	return s.decrypted
}

func (s *MemoryService) DeviceUpdates() <-chan DeviceUpdateResult {
	return s.updated
}

func (s *MemoryService) process(w interface{}) {
	switch w := w.(type) {
	case encryptWork:
		s.encrypted <- s.encrypt(w)
	case decryptWork:
		s.decrypted <- s.decrypt(w)
	case deviceUpdateWork:
		s.updated <- s.updateDevices(w)
	}
}

func (s *MemoryService) encrypt(w encryptWork) EncryptionResult {
	s.lock.Lock()
	defer s.lock.Unlock()

	m, ok := s.devices[w.to]
	if !ok && w.to != s.self.User {
		return EncryptionResult{To: w.to, ConnectionTag: w.connectionTag, Err: fmt.Errorf("cipher: no devices known for %d", w.to)}
	}
	var out []EncryptedMessage
	for deviceID, d := range m {
		if w.to == s.self.User && deviceID == s.self.Device {
			continue
		}
		sealed, err := crypto.EncryptWithKey(d.key[:], w.payload, []byte(s.self.String()))
		if err != nil {
			return EncryptionResult{To: w.to, ConnectionTag: w.connectionTag, Err: err}
		}
		out = append(out, EncryptedMessage{
			DeviceID:       deviceID,
			RegistrationID: d.registrationID,
			Payload:        sealed,
		})
	}
	return EncryptionResult{To: w.to, ConnectionTag: w.connectionTag, Messages: out}
}

func (s *MemoryService) decrypt(w decryptWork) DecryptionResult {
	plain, err := crypto.DecryptWithKey(s.selfKey[:], w.info.Payload, []byte(w.from.String()))
	if err != nil {
		return DecryptionResult{From: w.from, MessageID: w.info.MessageID, Err: fmt.Errorf("cipher: decryption failed: %w", err)}
	}
	return DecryptionResult{From: w.from, MessageID: w.info.MessageID, Plaintext: plain}
}

func (s *MemoryService) updateDevices(w deviceUpdateWork) DeviceUpdateResult {
	s.lock.Lock()
	defer s.lock.Unlock()

	m, ok := s.devices[w.user]
	if !ok {
		m = make(map[ids.DeviceID]memoryDevice)
		s.devices[w.user] = m
	}
	for _, id := range w.info.Removed {
		delete(m, id)
	}
	for _, id := range w.info.Stale {
		delete(m, id)
	}
	refresh := append(append([]ids.DeviceID{}, w.info.Stale...), w.info.Missing...)
	for _, id := range refresh {
		key, err := crypto.NewKey()
		if err != nil {
			return DeviceUpdateResult{User: w.user, Err: err}
		}
		m[id] = memoryDevice{registrationID: uint32(id), key: key}
	}
	s.log.Debugf("updated devices for %d: %d known", w.user, len(m))
	return DeviceUpdateResult{User: w.user}
}
