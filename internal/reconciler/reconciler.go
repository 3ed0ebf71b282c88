// Package reconciler keeps the remote Oura webhook subscription set aligned
// with the pairs this service requires.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"oura-sync/internal/config"
	"oura-sync/internal/database"
	"oura-sync/internal/oura"
)

// renewThreshold is how close to expiry a subscription must be before it is
// renewed
const renewThreshold = 3 * 24 * time.Hour

// Pair is one required (event type, data type) subscription
type Pair struct {
	EventType string
	DataType  string
}

// RequiredPairs is the fixed matrix of subscriptions the service needs:
// every lifecycle event for every daily collection it syncs
func RequiredPairs() []Pair {
	events := []string{"create", "update", "delete"}
	dataTypes := []string{"daily_sleep", "daily_readiness", "daily_activity"}

	pairs := make([]Pair, 0, len(events)*len(dataTypes))
	for _, dt := range dataTypes {
		for _, ev := range events {
			pairs = append(pairs, Pair{EventType: ev, DataType: dt})
		}
	}
	return pairs
}

// Reconciler ensures and renews the remote subscription set
type Reconciler struct {
	db     *database.DB
	client *oura.Client
	config *config.Config
	logger *slog.Logger
}

// New creates a Reconciler
func New(db *database.DB, client *oura.Client, cfg *config.Config) *Reconciler {
	return &Reconciler{
		db:     db,
		client: client,
		config: cfg,
		logger: slog.Default(),
	}
}

// Ensure creates any missing subscription from the required matrix and
// mirrors the remote state locally. A failure on one pair never stops the
// remaining pairs; the returned error summarizes how many failed.
func (r *Reconciler) Ensure(ctx context.Context) error {
	remote, err := r.client.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote subscriptions: %w", err)
	}

	byPair := make(map[Pair]*oura.Subscription, len(remote))
	for _, sub := range remote {
		byPair[Pair{EventType: sub.EventType, DataType: sub.DataType}] = sub
	}

	callbackURL := r.config.WebhookCallbackURL()
	pairs := RequiredPairs()
	failures := 0

	for _, pair := range pairs {
		sub, found := byPair[pair]
		if !found {
			created, err := r.client.CreateSubscription(ctx, pair.EventType, pair.DataType, callbackURL, r.config.WebhookVerifyToken)
			if err != nil {
				r.logger.Error("Failed to create subscription",
					"event_type", pair.EventType, "data_type", pair.DataType, "error", err)
				failures++
				continue
			}
			r.logger.Info("Created subscription",
				"event_type", pair.EventType, "data_type", pair.DataType, "remote_id", created.ID)
			sub = created
		}

		if err := r.mirror(sub); err != nil {
			r.logger.Error("Failed to mirror subscription",
				"event_type", pair.EventType, "data_type", pair.DataType, "error", err)
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d subscription pairs failed", failures, len(pairs))
	}
	return nil
}

// Renew walks every remote subscription and renews the ones expiring within
// renewThreshold, mirroring the result either way. Like Ensure, one bad
// subscription never blocks the rest.
func (r *Reconciler) Renew(ctx context.Context) error {
	remote, err := r.client.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote subscriptions: %w", err)
	}

	callbackURL := r.config.WebhookCallbackURL()
	failures := 0

	for _, sub := range remote {
		expiresAt := sub.ExpiresAt()
		if expiresAt.IsZero() || time.Until(expiresAt) > renewThreshold {
			if err := r.mirror(sub); err != nil {
				r.logger.Error("Failed to mirror subscription", "remote_id", sub.ID, "error", err)
				failures++
			}
			continue
		}

		renewed, err := r.client.UpdateSubscription(ctx, sub.ID, sub.EventType, sub.DataType, callbackURL, r.config.WebhookVerifyToken)
		if err != nil {
			r.logger.Error("Failed to renew subscription",
				"remote_id", sub.ID, "event_type", sub.EventType, "data_type", sub.DataType, "error", err)
			failures++
			continue
		}

		r.logger.Info("Renewed subscription",
			"remote_id", renewed.ID, "event_type", renewed.EventType, "data_type", renewed.DataType,
			"expires_at", renewed.ExpirationTime)

		if err := r.mirror(renewed); err != nil {
			r.logger.Error("Failed to mirror renewed subscription", "remote_id", renewed.ID, "error", err)
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d subscriptions failed to renew", failures)
	}
	return nil
}

// DeleteAll tears down every mirrored subscription on the remote side and
// clears the local mirror. Remote 404s count as already deleted. Used when
// the last connection is removed.
func (r *Reconciler) DeleteAll(ctx context.Context) error {
	mirrored, err := r.db.ListSubscriptions()
	if err != nil {
		return fmt.Errorf("failed to list mirrored subscriptions: %w", err)
	}

	failures := 0
	for _, sub := range mirrored {
		if !sub.Active {
			continue
		}
		if err := r.client.DeleteSubscription(ctx, sub.RemoteID); err != nil && !oura.IsNotFound(err) {
			r.logger.Error("Failed to delete subscription", "remote_id", sub.RemoteID, "error", err)
			failures++
			continue
		}
		r.logger.Info("Deleted subscription",
			"remote_id", sub.RemoteID, "event_type", sub.EventType, "data_type", sub.DataType)
	}

	if failures > 0 {
		return fmt.Errorf("%d subscriptions failed to delete", failures)
	}

	return r.db.DeleteAllSubscriptions()
}

// mirror upserts the local row for a remote subscription
func (r *Reconciler) mirror(sub *oura.Subscription) error {
	var expiresAt *int64
	if t := sub.ExpiresAt(); !t.IsZero() {
		unix := t.Unix()
		expiresAt = &unix
	}

	return r.db.UpsertSubscription(&database.WebhookSubscription{
		EventType:   sub.EventType,
		DataType:    sub.DataType,
		RemoteID:    sub.ID,
		CallbackURL: sub.CallbackURL,
		ExpiresAt:   expiresAt,
		Active:      true,
	})
}
