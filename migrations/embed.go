// Package migrations holds the embedded SQL schema migrations.
package migrations

import "embed"

// Files contains every .sql file in this directory.
// Order matters: 001, 002, ...
//
//go:embed *.sql
var Files embed.FS
