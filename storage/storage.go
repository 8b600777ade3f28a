// Package storage provides the SQL-backed implementations of the messaging
// store interfaces over an encrypted SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/VFPowerTechnologies/sly-chat-sub002/ids"
	"github.com/VFPowerTechnologies/sly-chat-sub002/internal/db"
	"github.com/VFPowerTechnologies/sly-chat-sub002/messaging"
	"github.com/VFPowerTechnologies/sly-chat-sub002/migration"
)

type queuedMessageRow struct {
	UserID    int64          `db:"user_id"`
	MessageID string         `db:"message_id"`
	GroupID   sql.NullString `db:"group_id"`
	Category  uint8          `db:"category"`
	Timestamp uint64         `db:"timestamp"`
	Payload   []byte         `db:"payload"`
}

type packageRow struct {
	UserID    int64  `db:"user_id"`
	DeviceID  int32  `db:"device_id"`
	MessageID string `db:"message_id"`
	Timestamp uint64 `db:"timestamp"`
	Payload   []byte `db:"payload"`
}

type groupRow struct {
	ID              string `db:"id"`
	Name            string `db:"name"`
	MembershipLevel uint8  `db:"membership_level"`
}

type conversationMessageRow struct {
	ConversationID     string        `db:"conversation_id"`
	MessageID          string        `db:"message_id"`
	Speaker            sql.NullInt64 `db:"speaker"`
	Timestamp          uint64        `db:"timestamp"`
	ReceivedTimestamp  uint64        `db:"received_timestamp"`
	Message            string        `db:"message"`
	TTLMs              uint64        `db:"ttl_ms"`
	ExpiresAt          uint64        `db:"expires_at"`
	Delivered          bool          `db:"delivered"`
	DeliveredTimestamp uint64        `db:"delivered_timestamp"`
}

type expiringMessageRow struct {
	ConversationID string `db:"conversation_id"`
	MessageID      string `db:"message_id"`
	ExpiresAt      uint64 `db:"expires_at"`
}

// Storage implements every messaging store interface over one database.
type Storage struct {
	db *db.Database
}

func New(d *db.Database) (*Storage, error) {
	if err := d.MigrateNoLock("_messaging", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _outbound_queue (
						user_id INTEGER NOT NULL,
						message_id TEXT NOT NULL,
						group_id TEXT,
						category INTEGER NOT NULL,
						timestamp INTEGER NOT NULL,
						payload BLOB NOT NULL,
						PRIMARY KEY (user_id, message_id)
					);
					CREATE INDEX outbound_queue_timestamp ON _outbound_queue (timestamp);

					CREATE TABLE _inbound_queue (
						user_id INTEGER NOT NULL,
						device_id INTEGER NOT NULL,
						message_id TEXT NOT NULL,
						timestamp INTEGER NOT NULL,
						payload BLOB NOT NULL,
						PRIMARY KEY (user_id, device_id, message_id)
					);

					CREATE TABLE _groups (
						id TEXT PRIMARY KEY,
						name TEXT NOT NULL,
						membership_level INTEGER NOT NULL
					);

					CREATE TABLE _group_members (
						group_id TEXT NOT NULL,
						user_id INTEGER NOT NULL,
						PRIMARY KEY (group_id, user_id),
						FOREIGN KEY (group_id) REFERENCES _groups(id) ON DELETE CASCADE
					);

					CREATE TABLE _contacts (
						user_id INTEGER PRIMARY KEY,
						blocked INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE _conversation_messages (
						conversation_id TEXT NOT NULL,
						message_id TEXT NOT NULL,
						speaker INTEGER,
						timestamp INTEGER NOT NULL,
						received_timestamp INTEGER NOT NULL DEFAULT 0,
						message TEXT NOT NULL,
						ttl_ms INTEGER NOT NULL DEFAULT 0,
						expires_at INTEGER NOT NULL DEFAULT 0,
						delivered INTEGER NOT NULL DEFAULT 0,
						delivered_timestamp INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (conversation_id, message_id)
					);
					CREATE INDEX conversation_messages_expiry ON _conversation_messages (expires_at) WHERE expires_at != 0;
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Storage{db: d}, nil
}

// Stores bundles this storage as every messaging persistence dependency.
func (s *Storage) Stores() messaging.Stores {
	return messaging.Stores{
		Outbound:      s,
		Inbound:       s,
		Groups:        s,
		Contacts:      s,
		Conversations: s,
	}
}

// outbound queue

func (s *Storage) Add(ctx context.Context, m *messaging.QueuedMessage) error {
	return s.AddBatch(ctx, []*messaging.QueuedMessage{m})
}

func (s *Storage) AddBatch(_ context.Context, ms []*messaging.QueuedMessage) error {
	return s.db.Run("add outbound messages", func() error {
		for _, m := range ms {
			row := &queuedMessageRow{
				UserID:    int64(m.Metadata.UserID),
				MessageID: string(m.Metadata.MessageID),
				Category:  uint8(m.Metadata.Category),
				Timestamp: m.Timestamp,
				Payload:   m.Payload,
			}
			if m.Metadata.GroupID != nil {
				row.GroupID = sql.NullString{String: string(*m.Metadata.GroupID), Valid: true}
			}
			if _, err := s.db.Tx.NamedExec("INSERT INTO _outbound_queue (user_id, message_id, group_id, category, timestamp, payload) VALUES (:user_id, :message_id, :group_id, :category, :timestamp, :payload)", row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) Remove(_ context.Context, userID ids.UserID, messageID ids.MessageID) error {
	return s.db.Run("remove outbound message", func() error {
		_, err := s.db.Tx.Exec("DELETE FROM _outbound_queue WHERE user_id = ? AND message_id = ?", int64(userID), string(messageID))
		return err
	})
}

func (s *Storage) GetUndelivered(_ context.Context) ([]*messaging.QueuedMessage, error) {
	var rows []*queuedMessageRow
	if err := s.db.Run("get undelivered messages", func() error {
		return s.db.Tx.Select(&rows, "SELECT * FROM _outbound_queue ORDER BY timestamp ASC, rowid ASC")
	}); err != nil {
		return nil, err
	}

	out := make([]*messaging.QueuedMessage, 0, len(rows))
	for _, r := range rows {
		var groupID *ids.GroupID
		if r.GroupID.Valid {
			g := ids.GroupID(r.GroupID.String)
			groupID = &g
		}
		metadata, err := messaging.NewMessageMetadata(ids.UserID(r.UserID), groupID, messaging.MessageCategory(r.Category), ids.MessageID(r.MessageID))
		if err != nil {
			return nil, err
		}
		out = append(out, &messaging.QueuedMessage{Metadata: metadata, Timestamp: r.Timestamp, Payload: r.Payload})
	}
	return out, nil
}

// inbound queue

func (s *Storage) AddPackage(ctx context.Context, p *messaging.Package) error {
	return s.AddPackages(ctx, []*messaging.Package{p})
}

func (s *Storage) AddPackages(_ context.Context, ps []*messaging.Package) error {
	return s.db.Run("add packages", func() error {
		for _, p := range ps {
			row := &packageRow{
				UserID:    int64(p.ID.Address.User),
				DeviceID:  int32(p.ID.Address.Device),
				MessageID: string(p.ID.MessageID),
				Timestamp: p.Timestamp,
				Payload:   p.Payload,
			}
			if _, err := s.db.Tx.NamedExec("INSERT INTO _inbound_queue (user_id, device_id, message_id, timestamp, payload) VALUES (:user_id, :device_id, :message_id, :timestamp, :payload) ON CONFLICT (user_id, device_id, message_id) DO NOTHING", row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) RemovePackage(ctx context.Context, id messaging.PackageID) error {
	return s.RemovePackages(ctx, []messaging.PackageID{id})
}

func (s *Storage) RemovePackages(_ context.Context, packageIDs []messaging.PackageID) error {
	return s.db.Run("remove packages", func() error {
		for _, id := range packageIDs {
			if _, err := s.db.Tx.Exec("DELETE FROM _inbound_queue WHERE user_id = ? AND device_id = ? AND message_id = ?", int64(id.Address.User), int32(id.Address.Device), string(id.MessageID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) RemovePackagesForUser(_ context.Context, userID ids.UserID) error {
	return s.db.Run("remove packages for user", func() error {
		_, err := s.db.Tx.Exec("DELETE FROM _inbound_queue WHERE user_id = ?", int64(userID))
		return err
	})
}

func (s *Storage) GetQueuedPackages(_ context.Context) ([]*messaging.Package, error) {
	var rows []*packageRow
	if err := s.db.Run("get queued packages", func() error {
		return s.db.Tx.Select(&rows, "SELECT * FROM _inbound_queue ORDER BY timestamp ASC, rowid ASC")
	}); err != nil {
		return nil, err
	}

	out := make([]*messaging.Package, 0, len(rows))
	for _, r := range rows {
		out = append(out, &messaging.Package{
			ID: messaging.PackageID{
				Address:   ids.SlyAddress{User: ids.UserID(r.UserID), Device: ids.DeviceID(r.DeviceID)},
				MessageID: ids.MessageID(r.MessageID),
			},
			Timestamp: r.Timestamp,
			Payload:   r.Payload,
		})
	}
	return out, nil
}

// groups

func (s *Storage) GetInfo(_ context.Context, id ids.GroupID) (*messaging.GroupInfo, error) {
	var row groupRow
	err := s.db.Run("get group info", func() error {
		return s.db.Tx.Get(&row, "SELECT * FROM _groups WHERE id = ?", string(id))
	})
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &messaging.GroupInfo{
		ID:              ids.GroupID(row.ID),
		Name:            row.Name,
		MembershipLevel: messaging.GroupMembershipLevel(row.MembershipLevel),
	}, nil
}

func (s *Storage) GetMembers(_ context.Context, id ids.GroupID) ([]ids.UserID, error) {
	var members []int64
	if err := s.db.Run("get group members", func() error {
		return s.db.Tx.Select(&members, "SELECT user_id FROM _group_members WHERE group_id = ? ORDER BY user_id ASC", string(id))
	}); err != nil {
		return nil, err
	}
	out := make([]ids.UserID, 0, len(members))
	for _, m := range members {
		out = append(out, ids.UserID(m))
	}
	return out, nil
}

func (s *Storage) IsUserMemberOf(_ context.Context, id ids.GroupID, userID ids.UserID) (bool, error) {
	var count int
	if err := s.db.Run("check group membership", func() error {
		return s.db.Tx.Get(&count, "SELECT count(*) FROM _group_members WHERE group_id = ? AND user_id = ?", string(id), int64(userID))
	}); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Storage) Join(_ context.Context, info *messaging.GroupInfo, members []ids.UserID) error {
	return s.db.Run("join group", func() error {
		var level uint8
		err := s.db.Tx.Get(&level, "SELECT membership_level FROM _groups WHERE id = ?", string(info.ID))
		if err != nil && !isNoRows(err) {
			return err
		}
		if err == nil && messaging.GroupMembershipLevel(level) == messaging.MembershipBlocked {
			return fmt.Errorf("storage: cannot join blocked group %s", info.ID)
		}
		if err == nil && messaging.GroupMembershipLevel(level) == messaging.MembershipJoined {
			return fmt.Errorf("storage: already joined group %s", info.ID)
		}

		if _, err := s.db.Tx.Exec("INSERT INTO _groups (id, name, membership_level) VALUES (?, ?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name, membership_level = excluded.membership_level", string(info.ID), info.Name, uint8(messaging.MembershipJoined)); err != nil {
			return err
		}
		if _, err := s.db.Tx.Exec("DELETE FROM _group_members WHERE group_id = ?", string(info.ID)); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := s.db.Tx.Exec("INSERT INTO _group_members (group_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING", string(info.ID), int64(m)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) AddMembers(_ context.Context, id ids.GroupID, userIDs []ids.UserID) ([]ids.UserID, error) {
	var added []ids.UserID
	if err := s.db.Run("add group members", func() error {
		for _, m := range userIDs {
			res, err := s.db.Tx.Exec("INSERT INTO _group_members (group_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING", string(id), int64(m))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				added = append(added, m)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *Storage) RemoveMember(_ context.Context, id ids.GroupID, userID ids.UserID) (bool, error) {
	var removed bool
	if err := s.db.Run("remove group member", func() error {
		res, err := s.db.Tx.Exec("DELETE FROM _group_members WHERE group_id = ? AND user_id = ?", string(id), int64(userID))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	}); err != nil {
		return false, err
	}
	return removed, nil
}

func (s *Storage) Part(_ context.Context, id ids.GroupID) (bool, error) {
	var parted bool
	if err := s.db.Run("part group", func() error {
		res, err := s.db.Tx.Exec("UPDATE _groups SET membership_level = ? WHERE id = ? AND membership_level = ?", uint8(messaging.MembershipParted), string(id), uint8(messaging.MembershipJoined))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		parted = n > 0
		if !parted {
			return nil
		}
		_, err = s.db.Tx.Exec("DELETE FROM _group_members WHERE group_id = ?", string(id))
		return err
	}); err != nil {
		return false, err
	}
	return parted, nil
}

func (s *Storage) Block(_ context.Context, id ids.GroupID) error {
	return s.db.Run("block group", func() error {
		if _, err := s.db.Tx.Exec("INSERT INTO _groups (id, name, membership_level) VALUES (?, '', ?) ON CONFLICT (id) DO UPDATE SET membership_level = excluded.membership_level", string(id), uint8(messaging.MembershipBlocked)); err != nil {
			return err
		}
		_, err := s.db.Tx.Exec("DELETE FROM _group_members WHERE group_id = ?", string(id))
		return err
	})
}

func (s *Storage) Unblock(_ context.Context, id ids.GroupID) error {
	return s.db.Run("unblock group", func() error {
		_, err := s.db.Tx.Exec("UPDATE _groups SET membership_level = ? WHERE id = ? AND membership_level = ?", uint8(messaging.MembershipParted), string(id), uint8(messaging.MembershipBlocked))
		return err
	})
}

// contacts

func (s *Storage) AddMissingContacts(_ context.Context, userIDs []ids.UserID) ([]ids.UserID, error) {
	var invalid []ids.UserID
	if err := s.db.Run("add missing contacts", func() error {
		for _, id := range userIDs {
			if id <= 0 {
				invalid = append(invalid, id)
				continue
			}
			if _, err := s.db.Tx.Exec("INSERT INTO _contacts (user_id) VALUES (?) ON CONFLICT DO NOTHING", int64(id)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return invalid, nil
}

func (s *Storage) IsBlocked(_ context.Context, userID ids.UserID) (bool, error) {
	var blocked bool
	err := s.db.Run("check contact blocked", func() error {
		return s.db.Tx.Get(&blocked, "SELECT blocked FROM _contacts WHERE user_id = ?", int64(userID))
	})
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return blocked, nil
}

func (s *Storage) FilterBlocked(ctx context.Context, userIDs []ids.UserID) ([]ids.UserID, error) {
	out := make([]ids.UserID, 0, len(userIDs))
	for _, id := range userIDs {
		blocked, err := s.IsBlocked(ctx, id)
		if err != nil {
			return nil, err
		}
		if !blocked {
			out = append(out, id)
		}
	}
	return out, nil
}

// BlockContact marks a contact blocked, creating the record if needed.
func (s *Storage) BlockContact(_ context.Context, userID ids.UserID) error {
	return s.db.Run("block contact", func() error {
		_, err := s.db.Tx.Exec("INSERT INTO _contacts (user_id, blocked) VALUES (?, 1) ON CONFLICT (user_id) DO UPDATE SET blocked = 1", int64(userID))
		return err
	})
}

func (s *Storage) UnblockContact(_ context.Context, userID ids.UserID) error {
	return s.db.Run("unblock contact", func() error {
		_, err := s.db.Tx.Exec("UPDATE _contacts SET blocked = 0 WHERE user_id = ?", int64(userID))
		return err
	})
}

// conversations

func (s *Storage) AddMessage(_ context.Context, conversationID ids.ConversationID, m *messaging.ConversationMessage) error {
	return s.db.Run("add conversation message", func() error {
		row := &conversationMessageRow{
			ConversationID:     conversationID.String(),
			MessageID:          string(m.ID),
			Timestamp:          m.Timestamp,
			ReceivedTimestamp:  m.ReceivedTimestamp,
			Message:            m.Message,
			TTLMs:              m.TTLMs,
			ExpiresAt:          m.ExpiresAt,
			Delivered:          m.Delivered,
			DeliveredTimestamp: m.DeliveredTimestamp,
		}
		if m.Speaker != nil {
			row.Speaker = sql.NullInt64{Int64: int64(*m.Speaker), Valid: true}
		}
		_, err := s.db.Tx.NamedExec("INSERT INTO _conversation_messages (conversation_id, message_id, speaker, timestamp, received_timestamp, message, ttl_ms, expires_at, delivered, delivered_timestamp) VALUES (:conversation_id, :message_id, :speaker, :timestamp, :received_timestamp, :message, :ttl_ms, :expires_at, :delivered, :delivered_timestamp)", row)
		return err
	})
}

func (s *Storage) MarkMessageAsDelivered(_ context.Context, conversationID ids.ConversationID, messageID ids.MessageID, timestamp uint64) (*messaging.ConversationMessage, error) {
	var row conversationMessageRow
	found := false
	if err := s.db.Run("mark message delivered", func() error {
		res, err := s.db.Tx.Exec("UPDATE _conversation_messages SET delivered = 1, delivered_timestamp = ? WHERE conversation_id = ? AND message_id = ? AND delivered = 0", timestamp, conversationID.String(), string(messageID))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		found = true
		return s.db.Tx.Get(&row, "SELECT * FROM _conversation_messages WHERE conversation_id = ? AND message_id = ?", conversationID.String(), string(messageID))
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return conversationMessageFromRow(&row), nil
}

func (s *Storage) SetMessageExpiry(_ context.Context, conversationID ids.ConversationID, messageID ids.MessageID, expiresAt uint64) error {
	return s.db.Run("set message expiry", func() error {
		_, err := s.db.Tx.Exec("UPDATE _conversation_messages SET expires_at = ? WHERE conversation_id = ? AND message_id = ?", expiresAt, conversationID.String(), string(messageID))
		return err
	})
}

func (s *Storage) GetMessagesAwaitingExpiration(_ context.Context) ([]*messaging.ExpiringMessage, error) {
	var rows []*expiringMessageRow
	if err := s.db.Run("get messages awaiting expiration", func() error {
		return s.db.Tx.Select(&rows, "SELECT conversation_id, message_id, expires_at FROM _conversation_messages WHERE expires_at != 0 ORDER BY expires_at ASC")
	}); err != nil {
		return nil, err
	}

	out := make([]*messaging.ExpiringMessage, 0, len(rows))
	for _, r := range rows {
		conversationID, err := ids.ParseConversationID(r.ConversationID)
		if err != nil {
			return nil, err
		}
		out = append(out, &messaging.ExpiringMessage{
			ConversationID: conversationID,
			MessageID:      ids.MessageID(r.MessageID),
			ExpiresAt:      r.ExpiresAt,
		})
	}
	return out, nil
}

func (s *Storage) ExpireMessages(_ context.Context, messages map[ids.ConversationID][]ids.MessageID) (int64, error) {
	var total int64
	if err := s.db.Run("expire messages", func() error {
		for conversationID, messageIDs := range messages {
			for _, messageID := range messageIDs {
				res, err := s.db.Tx.Exec("DELETE FROM _conversation_messages WHERE conversation_id = ? AND message_id = ?", conversationID.String(), string(messageID))
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				total += n
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}
	return total, nil
}

// GetMessages returns a conversation's log ordered by timestamp.
func (s *Storage) GetMessages(_ context.Context, conversationID ids.ConversationID) ([]*messaging.ConversationMessage, error) {
	var rows []*conversationMessageRow
	if err := s.db.Run("get conversation messages", func() error {
		return s.db.Tx.Select(&rows, "SELECT * FROM _conversation_messages WHERE conversation_id = ? ORDER BY timestamp ASC, rowid ASC", conversationID.String())
	}); err != nil {
		return nil, err
	}
	out := make([]*messaging.ConversationMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, conversationMessageFromRow(r))
	}
	return out, nil
}

func conversationMessageFromRow(r *conversationMessageRow) *messaging.ConversationMessage {
	m := &messaging.ConversationMessage{
		ID:                 ids.MessageID(r.MessageID),
		Timestamp:          r.Timestamp,
		ReceivedTimestamp:  r.ReceivedTimestamp,
		Message:            r.Message,
		TTLMs:              r.TTLMs,
		ExpiresAt:          r.ExpiresAt,
		Delivered:          r.Delivered,
		DeliveredTimestamp: r.DeliveredTimestamp,
	}
	if r.Speaker.Valid {
		speaker := ids.UserID(r.Speaker.Int64)
		m.Speaker = &speaker
	}
	return m
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
