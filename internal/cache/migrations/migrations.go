// Package migrations embeds the SQLite schema for the generation store.
package migrations

import "embed"

// FS holds the ordered *.sql files applied by cache.OpenSQLite.
//
//go:embed *.sql
var FS embed.FS
