// Package migrations embeds the SQLite schema migrations.
package migrations

import "embed"

// FS holds the numbered NNN_name.up.sql files.
//
//go:embed *.up.sql
var FS embed.FS
