package database

import (
	"context"
	"fmt"

	dbsql "chatvault/pkg/database/sql"
	"chatvault/pkg/logging"
)

// schemaFile is the single embedded migration chatvault ships. Modeled on
// the provisioner pattern (cli/pkg/provisioner/postgres.go), which resolves
// a service name to an embedded schema/*.sql file and executes it verbatim
// through database/sql — safe to run multiple times because every
// statement in the file is `CREATE TABLE IF NOT EXISTS` / `CREATE INDEX IF
// NOT EXISTS`.
const schemaFile = "schema/chatvault.sql"

// Migrate applies the embedded schema to conn. Safe to call on every
// startup.
func Migrate(ctx context.Context, conn PostgresConn, logger logging.Logger) error {
	content, err := dbsql.Content.ReadFile(schemaFile)
	if err != nil {
		return fmt.Errorf("read embedded schema %s: %w", schemaFile, err)
	}

	if _, err := conn.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	logger.WithFields(logging.Fields{"file": schemaFile}).Info("database schema migrated")
	return nil
}
