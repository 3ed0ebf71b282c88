package database

import (
	"fmt"
	"time"
)

// WebhookSubscription is the local mirror of an Oura webhook subscription,
// identified by its (event type, data type) pair
type WebhookSubscription struct {
	EventType   string
	DataType    string
	RemoteID    string
	CallbackURL string
	ExpiresAt   *int64
	Active      bool
	UpdatedAt   int64
}

// UpsertSubscription records the remote subscription for a pair, replacing
// any previous mirror row
func (d *DB) UpsertSubscription(s *WebhookSubscription) error {
	_, err := d.db.Exec(`
		INSERT INTO webhook_subscriptions (event_type, data_type, remote_id, callback_url, expires_at, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_type, data_type) DO UPDATE SET
			remote_id = excluded.remote_id,
			callback_url = excluded.callback_url,
			expires_at = excluded.expires_at,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, s.EventType, s.DataType, s.RemoteID, s.CallbackURL, s.ExpiresAt, s.Active, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns all mirrored subscriptions
func (d *DB) ListSubscriptions() ([]*WebhookSubscription, error) {
	rows, err := d.db.Query(`
		SELECT event_type, data_type, remote_id, callback_url, expires_at, active, updated_at
		FROM webhook_subscriptions
		ORDER BY data_type, event_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		var s WebhookSubscription
		if err := rows.Scan(&s.EventType, &s.DataType, &s.RemoteID, &s.CallbackURL, &s.ExpiresAt, &s.Active, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteAllSubscriptions clears the local mirror after remote teardown
func (d *DB) DeleteAllSubscriptions() error {
	if _, err := d.db.Exec(`DELETE FROM webhook_subscriptions`); err != nil {
		return fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return nil
}
