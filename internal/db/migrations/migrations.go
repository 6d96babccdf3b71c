// Package migrations embeds the event database schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
