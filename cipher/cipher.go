// Package cipher defines the boundary to the per-device message
// encryption/decryption service. All operations are asynchronous: callers
// submit work and read results from the service's result streams. The
// pipelines rely on submitting at most one operation at a time, since the
// underlying session state is not safe for concurrent use.
package cipher

import (
	"encoding/json"
	"fmt"

	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"github.com/VFPowerTechnologies/sly-chat-sub002/relay"
)

// EncryptedMessageInfo is one inbound encrypted payload awaiting decryption.
type EncryptedMessageInfo struct {
	MessageID ids.MessageID
	PreKey    bool
	Payload   []byte
}

// EncryptedMessage is an outbound payload encrypted for a single device.
type EncryptedMessage struct {
	DeviceID       ids.DeviceID
	RegistrationID uint32
	Payload        []byte
}

// EncryptionResult is emitted on EncryptedMessages for every Encrypt call.
// An empty Messages with a nil Err means the recipient has no devices other
// than the sender's own, i.e. a message to self.
type EncryptionResult struct {
	To            ids.UserID
	ConnectionTag uint32
	Messages      []EncryptedMessage
	Err           error
}

// DecryptionResult is emitted on DecryptedMessages for every Decrypt call.
type DecryptionResult struct {
	From      ids.SlyAddress
	MessageID ids.MessageID
	Plaintext []byte
	Err       error
}

// DeviceUpdateResult is emitted on DeviceUpdates for every UpdateDevices call.
type DeviceUpdateResult struct {
	User ids.UserID
	Err  error
}

type Service interface {
	// Encrypt encrypts payload for every registered device of to. The result
	// carries connectionTag through unchanged.
	Encrypt(to ids.UserID, payload []byte, connectionTag uint32)
	// Decrypt decrypts a single inbound payload from the given address.
	Decrypt(from ids.SlyAddress, info EncryptedMessageInfo)
	// UpdateDevices repairs the local device list for user from relay-reported
	// mismatch info.
	UpdateDevices(user ids.UserID, info relay.MismatchInfo)

	EncryptedMessages() <-chan EncryptionResult
	DecryptedMessages() <-chan DecryptionResult
	DeviceUpdates() <-chan DeviceUpdateResult
}

// packagePayload is the stored wire form of an inbound package payload.
type packagePayload struct {
	PreKey  bool   `json:"preKey"`
	Payload []byte `json:"payload"`
}

// SerializePackagePayload encodes an encrypted payload for durable storage in
// the inbound queue.
func SerializePackagePayload(preKey bool, payload []byte) ([]byte, error) {
	return json.Marshal(&packagePayload{PreKey: preKey, Payload: payload})
}

// ParsePackagePayload decodes a stored inbound package payload. Failure here
// is terminal for the package: it never reaches decryption.
func ParsePackagePayload(messageID ids.MessageID, raw []byte) (EncryptedMessageInfo, error) {
	var p packagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return EncryptedMessageInfo{}, fmt.Errorf("cipher: malformed package payload: %w", err)
	}
	return EncryptedMessageInfo{MessageID: messageID, PreKey: p.PreKey, Payload: p.Payload}, nil
}
