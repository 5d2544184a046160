// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
)

// UpsertConsumer inserts or replaces a (channel, name) registration.
func (s *Store) UpsertConsumer(ctx context.Context, c models.Consumer) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO consumers (channel, name, url) VALUES (?, ?, ?)
		ON CONFLICT (channel, name) DO UPDATE SET url = excluded.url`,
		c.Channel, c.Name, c.URL)
	if err != nil {
		// Not every driver we wire speaks "ON CONFLICT" (mssql does
		// not); fall back to delete-then-insert for those.
		if delErr := s.deleteConsumer(ctx, c.Channel, c.Name); delErr != nil {
			return fmt.Errorf("store: upsert consumer fallback delete: %w", delErr)
		}
		_, err = s.exec(ctx, s.db, `INSERT INTO consumers (channel, name, url) VALUES (?, ?, ?)`, c.Channel, c.Name, c.URL)
		if err != nil {
			return fmt.Errorf("store: upsert consumer: %w", err)
		}
	}
	return nil
}

func (s *Store) deleteConsumer(ctx context.Context, channel, name string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM consumers WHERE channel = ? AND name = ?`, channel, name)
	return err
}

// DeleteConsumer removes a registration; returns sql.ErrNoRows if it
// did not exist, matching the broker's NOT_REGISTERED response.
func (s *Store) DeleteConsumer(ctx context.Context, channel, name string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM consumers WHERE channel = ? AND name = ?`, channel, name)
	if err != nil {
		return fmt.Errorf("store: delete consumer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete consumer rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AllConsumers loads every registration, used to build the in-memory
// cache on broker startup.
func (s *Store) AllConsumers(ctx context.Context) ([]models.Consumer, error) {
	rows, err := s.query(ctx, s.db, `SELECT channel, name, url FROM consumers`)
	if err != nil {
		return nil, fmt.Errorf("store: all consumers: %w", err)
	}
	defer rows.Close()

	var out []models.Consumer
	for rows.Next() {
		var c models.Consumer
		if err := rows.Scan(&c.Channel, &c.Name, &c.URL); err != nil {
			return nil, fmt.Errorf("store: scan consumer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConsumersForChannel loads registrations for a single channel.
func (s *Store) ConsumersForChannel(ctx context.Context, channel string) ([]models.Consumer, error) {
	rows, err := s.query(ctx, s.db, `SELECT channel, name, url FROM consumers WHERE channel = ?`, channel)
	if err != nil {
		return nil, fmt.Errorf("store: consumers for channel: %w", err)
	}
	defer rows.Close()

	var out []models.Consumer
	for rows.Next() {
		var c models.Consumer
		if err := rows.Scan(&c.Channel, &c.Name, &c.URL); err != nil {
			return nil, fmt.Errorf("store: scan consumer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
