package migrations

import "embed"

// Files содержит SQL-миграции в порядке имён.
//
//go:embed *.sql
var Files embed.FS
