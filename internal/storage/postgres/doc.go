// Package postgres implements the key-value persistence boundary on
// PostgreSQL through lib/pq. The schema mirrors the MySQL backend: whole
// records in kv_entries and set members in kv_set_members, created from
// deploy/migrations/postgres through the sqlmigrate runner.
package postgres
