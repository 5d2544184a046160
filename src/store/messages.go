// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
)

// InsertMessage persists a pending message row. Per the two-phase
// write invariant (spec §3), this MUST commit before any HTTP delivery
// attempt is made, so a fast ack can never race a not-yet-persisted
// row.
func (s *Store) InsertMessage(ctx context.Context, m models.Message) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO messages (id, created_at, sent_at, acked_at, channel, consumer_name, message, acked, send_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, encodeTime(m.CreatedAt), encodeTimePtr(m.SentAt), encodeTimePtr(m.AckedAt),
		m.Channel, m.ConsumerName, string(m.Body), m.Acked, m.SendStatus,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// UpdateMessageDelivery records the outcome of a delivery attempt: the
// second phase of the two-phase write.
func (s *Store) UpdateMessageDelivery(ctx context.Context, id string, sentAt time.Time, sendStatus string) error {
	_, err := s.exec(ctx, s.db, `UPDATE messages SET sent_at = ?, send_status = ? WHERE id = ?`,
		encodeTime(sentAt), sendStatus, id)
	if err != nil {
		return fmt.Errorf("store: update message delivery: %w", err)
	}
	return nil
}

// AckMessage marks a message acked at the given time. Returns
// sql.ErrNoRows if the id does not exist.
func (s *Store) AckMessage(ctx context.Context, id string, ackedAt time.Time) error {
	res, err := s.exec(ctx, s.db, `UPDATE messages SET acked = ?, acked_at = ? WHERE id = ?`,
		true, encodeTime(ackedAt), id)
	if err != nil {
		return fmt.Errorf("store: ack message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: ack message rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetMessage fetches a single message row by id.
func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	row := s.queryRow(ctx, s.db, `
		SELECT id, created_at, sent_at, acked_at, channel, consumer_name, message, acked, send_status
		FROM messages WHERE id = ?`, id)
	var m models.Message
	var createdAt string
	var sentAt, ackedAt sql.NullString
	var body string
	err := row.Scan(&m.ID, &createdAt, &sentAt, &ackedAt, &m.Channel, &m.ConsumerName, &body, &m.Acked, &m.SendStatus)
	if err != nil {
		return models.Message{}, err
	}
	m.CreatedAt = decodeTime(createdAt)
	if sentAt.Valid {
		m.SentAt = decodeTimePtr(&sentAt.String)
	}
	if ackedAt.Valid {
		m.AckedAt = decodeTimePtr(&ackedAt.String)
	}
	m.Body = []byte(body)
	return m, nil
}
