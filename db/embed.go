// Package db embeds the key store schema.
package db

import _ "embed"

// Schema creates the keys, directory, access token and usage export
// tables. Every statement is idempotent, so it runs on each start.
//
//go:embed migrations/001_schema.sql
var Schema string
