package identity

import (
	"context"
	"database/sql"

	"chatvault/pkg/models"
)

// PostgresStore is the Store implementation backing the Identity Resolver,
// modeled on the `ON CONFLICT ... RETURNING` upsert pattern (e.g.
// api_dns/internal/store/store.go's certificate upsert). Unlike that
// pattern, the twitch_id column uses COALESCE(existing, new) instead of
// EXCLUDED so a value is written at most once and never overwritten —
// spec.md §4.4's upgrade rule, enforced inside the statement rather than
// by a read-then-write race in Go.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertChannel(ctx context.Context, name string, twitchID *string) (models.Channel, error) {
	const q = `
		INSERT INTO channels (name, display_name, twitch_id, active)
		VALUES ($1, $1, $2, true)
		ON CONFLICT (name) DO UPDATE SET
			twitch_id = COALESCE(channels.twitch_id, EXCLUDED.twitch_id)
		RETURNING id, name, display_name, twitch_id, active
	`
	var ch models.Channel
	err := s.db.QueryRowContext(ctx, q, name, twitchID).Scan(
		&ch.ID, &ch.Name, &ch.DisplayName, &ch.TwitchID, &ch.Active,
	)
	return ch, err
}

func (s *PostgresStore) UpsertUser(ctx context.Context, username, displayName string, twitchID *string) (models.User, error) {
	const q = `
		INSERT INTO users (username, display_name, twitch_id, first_seen, last_seen)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (username) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			twitch_id = COALESCE(users.twitch_id, EXCLUDED.twitch_id),
			last_seen = NOW()
		RETURNING id, username, display_name, twitch_id, first_seen, last_seen
	`
	var u models.User
	err := s.db.QueryRowContext(ctx, q, username, displayName, twitchID).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.TwitchID, &u.FirstSeen, &u.LastSeen,
	)
	return u, err
}
