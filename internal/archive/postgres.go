package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"chatvault/pkg/models"
)

// PostgresStore is the Store implementation backing the Archive Buffer.
// Grounded on the Identity Resolver's `internal/identity/postgres.go`
// upsert style, extended here to a whole-batch transaction per spec.md
// §4.5/§5: "the archive commits within a single batch in the order events
// were appended" and either the whole batch lands or none of it does.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CommitBatch(ctx context.Context, batch Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range batch.Messages {
		if err := insertMessage(ctx, tx, m); err != nil {
			return fmt.Errorf("insert message %s: %w", m.WireID, err)
		}
	}
	for _, ma := range batch.ModActions {
		if err := insertModAction(ctx, tx, ma); err != nil {
			return fmt.Errorf("insert mod action: %w", err)
		}
		if ma.Kind == models.ModActionDelete && ma.RelatedWireID != nil {
			if err := markMessageDeleted(ctx, tx, ma); err != nil {
				return fmt.Errorf("mark message deleted: %w", err)
			}
		}
	}
	for _, me := range batch.Monetization {
		if err := insertMonetization(ctx, tx, me); err != nil {
			return fmt.Errorf("insert monetization event: %w", err)
		}
	}

	return tx.Commit()
}

// insertMessage relies on the unique constraint on wire_id to make batch
// retries idempotent: a retry after a transient commit failure simply
// no-ops on rows that landed the first time.
func insertMessage(ctx context.Context, tx *sql.Tx, m models.Message) error {
	badges, err := json.Marshal(m.Badges)
	if err != nil {
		return err
	}
	emotes, err := json.Marshal(m.Emotes)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO messages (channel_id, user_id, text, ts, wire_id, badges, emotes, reply_to_wire_id, synthesized_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (wire_id) DO NOTHING
	`
	_, err = tx.ExecContext(ctx, q, m.ChannelID, m.UserID, m.Text, m.Timestamp, m.WireID, badges, emotes, m.ReplyToWireID, m.SynthesizedTS)
	return err
}

// insertModAction has no dedup key of its own — spec.md §6 only requires a
// unique constraint on messages.wire_id, not on mod_actions — so a retried
// batch can in rare cases (commit landed, ack lost) insert a duplicate
// mod_actions row. Accepted: mod actions are audit log entries, not
// state that correctness depends on being deduplicated.
func insertModAction(ctx context.Context, tx *sql.Tx, ma models.ModAction) error {
	const q = `
		INSERT INTO mod_actions (channel_id, moderator_id, target_user_id, kind, duration_s, reason, ts, related_wire_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.ExecContext(ctx, q, ma.ChannelID, ma.ModeratorID, ma.TargetUserID, ma.Kind, ma.DurationS, ma.Reason, ma.Timestamp, ma.RelatedWireID)
	return err
}

func markMessageDeleted(ctx context.Context, tx *sql.Tx, ma models.ModAction) error {
	const q = `
		UPDATE messages SET is_deleted = true, deleted_at = $1, deleted_by = NULLIF($2, 0)
		WHERE wire_id = $3
	`
	_, err := tx.ExecContext(ctx, q, ma.Timestamp, ma.TargetUserID, *ma.RelatedWireID)
	return err
}

func insertMonetization(ctx context.Context, tx *sql.Tx, me MonetizationEvent) error {
	const q = `
		INSERT INTO monetization_events (channel_id, user_id, kind, payload, ts)
		VALUES ($1, NULLIF($2, 0), $3, $4, $5)
	`
	_, err := tx.ExecContext(ctx, q, me.ChannelID, me.UserID, me.Kind, me.Payload, me.Timestamp)
	return err
}
