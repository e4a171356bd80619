// Package db embeds the SQL schema applied at service startup.
package db

import _ "embed"

// Schema holds the DDL for the cart rule, redemption, and API key tables.
//
//go:embed migrations/001_schema.sql
var Schema string
