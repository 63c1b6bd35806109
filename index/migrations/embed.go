// Package migrations embeds the SQL files that build the dedup index schema.
package migrations

import "embed"

// FS holds NNNN_name.sql files; NNNN is the schema version each applies.
//
//go:embed *.sql
var FS embed.FS
