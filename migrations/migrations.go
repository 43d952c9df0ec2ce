// Package migrations embeds the goose SQL migrations applied to the
// optional Postgres-backed DataLogger.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
