// Package mysql implements the key-value persistence boundary on MySQL. Whole
// records live in kv_entries and set-valued secondary indexes in
// kv_set_members; the schema comes from deploy/migrations/mysql through
// the sqlmigrate runner.
package mysql
