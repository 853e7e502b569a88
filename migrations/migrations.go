// Package migrations embeds the schema and seed SQL applied by cmd/migrate.
//
// Schema files are named NNN_name.sql with an optional NNN_name.down.sql
// rollback next to them. Seed files live under seed/.
package migrations

import "embed"

// FS holds every migration file
//
//go:embed *.sql seed/*.sql
var FS embed.FS
