// Package migrations embeds the tenant schema migrations so the server binary
// can apply them without a migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
