// Package migrations embeds the versioned Postgres schema.
package migrations

import "embed"

//go:embed postgres/*.sql
var FS embed.FS

// PostgresDir is the directory inside FS holding Postgres migrations.
const PostgresDir = "postgres"
