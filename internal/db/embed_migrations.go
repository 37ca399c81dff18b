package db

import "embed"

// MigrationFS embeds the session control, access history and relationship policy migrations.
// cmd/migrate and the repository integration tests apply them through internal/db/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
