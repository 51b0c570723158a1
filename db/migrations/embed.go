// Package dbmigrations exposes embedded SQL migrations for livequery binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into livequery binaries.
//
//go:embed *.sql
var Files embed.FS
