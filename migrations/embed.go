// Package migrations holds the schema as golang-migrate up/down files embedded into the binary.
package migrations

import "embed"

// FS contains every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS
