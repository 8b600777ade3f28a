package messaging

import (
	"encoding/json"
	"testing"

	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m SlyMessage) SlyMessage {
	raw, err := SerializeMessage(m)
	require.Nil(t, err)
	out, err := DeserializeMessage(raw)
	require.Nil(t, err)
	return out
}

func TestTextMessageRoundTrip(t *testing.T) {
	require := require.New(t)
	m := &TextMessage{ID: ids.NewMessageID(), Timestamp: 12345, Message: "hello", TTLMs: 60000}
	require.Equal(m, roundTrip(t, m))
}

func TestGroupTextMessageRoundTrip(t *testing.T) {
	require := require.New(t)
	groupID := ids.NewGroupID()
	m := &TextMessage{ID: ids.NewMessageID(), Timestamp: 12345, Message: "hello group", GroupID: &groupID}
	require.Equal(m, roundTrip(t, m))
}

func TestGroupEventRoundTrips(t *testing.T) {
	require := require.New(t)
	groupID := ids.NewGroupID()
	for _, m := range []SlyMessage{
		&GroupInvitation{GroupID: groupID, Name: "hiking", Members: []ids.UserID{1, 2, 3}},
		&GroupJoin{GroupID: groupID, Joined: []ids.UserID{4, 5}},
		&GroupPart{GroupID: groupID},
	} {
		require.Equal(m, roundTrip(t, m))
	}
}

func TestSyncMessageRoundTrips(t *testing.T) {
	require := require.New(t)
	userID := ids.UserID(42)
	groupID := ids.NewGroupID()
	for _, m := range []SlyMessage{
		&SyncSelfMessage{SentMessage: SyncSentMessageInfo{
			UserID:    &userID,
			MessageID: ids.NewMessageID(),
			Message:   "mirrored",
			Timestamp: 9999,
			TTLMs:     5000,
		}},
		&SyncMessageExpired{GroupID: &groupID, MessageID: ids.NewMessageID()},
	} {
		require.Equal(m, roundTrip(t, m))
	}
}

func TestDeserializeUnknownTagsFail(t *testing.T) {
	require := require.New(t)
	for _, raw := range []string{
		`{"t":"x","m":{}}`,
		`{"t":"g","m":{"t":"x","m":{}}}`,
		`{"t":"s","m":{"t":"x","m":{}}}`,
		`not json at all`,
	} {
		_, err := DeserializeMessage([]byte(raw))
		require.NotNil(err, "input %q", raw)
	}
}

func TestDeserializeToleratesUnknownFields(t *testing.T) {
	require := require.New(t)
	raw := []byte(`{"t":"t","m":{"id":"abc","timestamp":5,"message":"hi","someFutureField":true}}`)
	m, err := DeserializeMessage(raw)
	require.Nil(err)
	text, ok := m.(*TextMessage)
	require.True(ok)
	require.Equal("hi", text.Message)
}

func TestSyncConversationRefsRequireExactlyOne(t *testing.T) {
	require := require.New(t)
	userID := ids.UserID(1)
	groupID := ids.NewGroupID()

	_, err := SyncMessageExpired{MessageID: ids.NewMessageID()}.ConversationID()
	require.NotNil(err)
	_, err = SyncMessageExpired{UserID: &userID, GroupID: &groupID, MessageID: ids.NewMessageID()}.ConversationID()
	require.NotNil(err)

	cid, err := SyncMessageExpired{UserID: &userID, MessageID: ids.NewMessageID()}.ConversationID()
	require.Nil(err)
	require.Equal(userID.ConversationID(), cid)
	cid, err = SyncMessageExpired{GroupID: &groupID, MessageID: ids.NewMessageID()}.ConversationID()
	require.Nil(err)
	require.Equal(groupID.ConversationID(), cid)
}

func TestSerializedEnvelopeShape(t *testing.T) {
	require := require.New(t)
	groupID := ids.NewGroupID()
	raw, err := SerializeMessage(&GroupPart{GroupID: groupID})
	require.Nil(err)

	var outer struct {
		T string `json:"t"`
		M struct {
			T string          `json:"t"`
			M json.RawMessage `json:"m"`
		} `json:"m"`
	}
	require.Nil(json.Unmarshal(raw, &outer))
	require.Equal("g", outer.T)
	require.Equal("p", outer.M.T)
}
