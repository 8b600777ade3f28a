// Package relay wraps a connection to the relay server: the component which
// transports encrypted messages between clients without ever holding
// plaintext. It exposes the event-level API the messaging pipelines consume;
// the wire client itself is abstract.
package relay

import (
	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
)

// Event is the sealed union of events a relay connection can emit.
type Event interface {
	isRelayEvent()
}

func (ServerReceivedMessage) isRelayEvent() {}
func (DeviceMismatch) isRelayEvent()        {}
func (ReceivedMessage) isRelayEvent()       {}

// ServerReceivedMessage acknowledges that the relay holds an outbound message.
type ServerReceivedMessage struct {
	To        ids.UserID
	MessageID ids.MessageID
	Timestamp uint64
}

// DeviceMismatch reports that the recipient's registered devices differ from
// the set an outbound message was encrypted for.
type DeviceMismatch struct {
	To        ids.UserID
	MessageID ids.MessageID
	Info      MismatchInfo
}

// ReceivedMessage carries an encrypted inbound message from another client.
type ReceivedMessage struct {
	From      ids.SlyAddress
	MessageID ids.MessageID
	Content   []byte
}

// MismatchInfo describes how the sender's device list for a user is out of
// date, as reported by the relay.
type MismatchInfo struct {
	Stale   []ids.DeviceID
	Missing []ids.DeviceID
	Removed []ids.DeviceID
}

// UserMessage is a payload encrypted for a single device of the recipient.
type UserMessage struct {
	DeviceID       ids.DeviceID
	RegistrationID uint32
	Payload        []byte
}

// MessageBundle is the per-device fan-out of one logical outbound message.
type MessageBundle struct {
	Messages []UserMessage
}

// Client is a single authenticated relay connection. Events terminates when
// the connection is lost; after that the client is dead and a new one must be
// made through the factory.
type Client interface {
	Events() <-chan Event
	SendMessage(to ids.UserID, bundle *MessageBundle, messageID ids.MessageID) error
	SendMessageReceivedAck(messageID ids.MessageID) error
	Close() error
}

type ClientFactory interface {
	Connect() (Client, error)
}
