// Package mysql provides repositories backed by MySQL. It embeds the schema
// migrations and persists agreement snapshots, the per-owner registry index
// and the archived event stream.
package mysql
