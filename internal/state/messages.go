package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deniskropp/t170/pkg/models"
)

// AppendMessage records a published message in the journal.
func (db *DB) AppendMessage(m *models.Message) error {
	meta, err := encodeJSONMap(m.Metadata)
	if err != nil {
		return fmt.Errorf("append message: encode metadata: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO messages (id, timestamp, sender, receiver, type, channel, content, correlation_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET channel = excluded.channel, metadata = excluded.metadata
	`, m.ID, formatTime(m.Timestamp), string(m.Sender), string(m.Receiver), string(m.Type),
		m.Channel, m.Content, m.CorrelationID, meta)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent journaled messages for a channel in
// publish order. An empty channel lists every channel. limit <= 0 means no limit.
func (db *DB) ListMessages(channel string, limit int) ([]*models.Message, error) {
	query := `SELECT id, timestamp, sender, receiver, type, channel, content, correlation_id, metadata
		FROM messages`
	var args []any
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var m models.Message
		var ts, sender, receiver, typ string
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &ts, &sender, &receiver, &typ, &m.Channel, &m.Content, &m.CorrelationID, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp, _ = parseTime(ts)
		m.Sender = models.Role(sender)
		m.Receiver = models.Role(receiver)
		m.Type = models.MessageType(typ)
		if meta.Valid && meta.String != "" && meta.String != "{}" {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into publish order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PurgeMessages deletes journaled messages older than the given duration.
// Returns the number of messages deleted.
func (db *DB) PurgeMessages(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
