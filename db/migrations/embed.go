// Package dbmigrations exposes the embedded SQL migrations for ordertask binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into ordertask binaries.
//
//go:embed *.sql
var Files embed.FS
