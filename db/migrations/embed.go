// Package dbmigrations exposes embedded SQL migrations for escrowd binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into escrowd binaries.
//
//go:embed *.sql
var Files embed.FS
