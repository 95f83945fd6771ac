// Package dbmigrations exposes embedded SQL migrations for Custos binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Custos binaries.
//
//go:embed *.sql
var Files embed.FS
