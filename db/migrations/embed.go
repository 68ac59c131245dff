// Package dbmigrations exposes embedded SQL migrations for the session store.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into orchestrator binaries.
//
//go:embed *.sql
var Files embed.FS
