// Package migrations embeds the SQL schema of besafe.db.
package migrations

import "embed"

// FS holds the numbered up/down files.
//
//go:embed *.sql
var FS embed.FS
