// Package migrations embeds the SQL schema applied by cmd/migrate and db.Migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
