// Package migrations embeds the SQL schema files applied by the
// gateway's migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
