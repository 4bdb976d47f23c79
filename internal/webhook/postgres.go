package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chatvault/pkg/models"
)

// PostgresStore is the Store implementation backing the dispatcher.
// Registration rows are written by an out-of-scope admin surface; this
// type reads every row — muted and disabled ones included, so the
// dispatcher still evaluates their filters (without counting matches) — and
// updates the delivery-outcome columns, mirroring the Identity Resolver's
// read-then-update shape (internal/identity/postgres.go) rather than the
// Archive Buffer's insert-only one.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]models.WebhookRegistration, error) {
	const q = `
		SELECT id, owner_id, kind, filter, url, mask, enabled, muted,
		       consecutive_failures, last_triggered_at, trigger_count
		FROM webhook_registrations
	`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query webhook_registrations: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookRegistration
	for rows.Next() {
		var r models.WebhookRegistration
		var filterJSON []byte
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Kind, &filterJSON, &r.URL, &r.Mask,
			&r.Enabled, &r.Muted, &r.ConsecutiveFailures, &r.LastTriggeredAt, &r.TriggerCount); err != nil {
			return nil, fmt.Errorf("scan webhook_registrations row: %w", err)
		}
		if err := json.Unmarshal(filterJSON, &r.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal filter for registration %d: %w", r.ID, err)
		}
		if !isHTTPS(r.URL) {
			continue // spec.md §4.8: delivery URL validated as HTTPS at registration read time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, id int64, at time.Time) error {
	const q = `
		UPDATE webhook_registrations
		SET trigger_count = trigger_count + 1, last_triggered_at = $1, consecutive_failures = 0
		WHERE id = $2
	`
	_, err := s.db.ExecContext(ctx, q, at, id)
	return err
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id int64) (int, error) {
	const q = `
		UPDATE webhook_registrations
		SET consecutive_failures = consecutive_failures + 1
		WHERE id = $1
		RETURNING consecutive_failures
	`
	var failures int
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&failures); err != nil {
		return 0, err
	}
	return failures, nil
}

func (s *PostgresStore) Mute(ctx context.Context, id int64) error {
	const q = `UPDATE webhook_registrations SET muted = true WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}

func isHTTPS(rawURL string) bool {
	return len(rawURL) >= len("https://") && rawURL[:len("https://")] == "https://"
}
