// Package dbmigrations exposes embedded SQL migrations for Axiom binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Axiom binaries.
//
//go:embed *.sql
var Files embed.FS
