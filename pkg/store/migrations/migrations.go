// Package migrations embeds the PostgreSQL schema migrations applied
// through golang-migrate. The SQLite backend uses the GORM ladder in
// the parent package instead.
package migrations

import "embed"

// FS holds the embedded migration files.
//
//go:embed *.sql
var FS embed.FS
