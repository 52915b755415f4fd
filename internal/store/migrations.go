package store

import "embed"

// Migrations holds the PostgreSQL schema, applied in file name order
//
//go:embed migrations/*.sql
var Migrations embed.FS
