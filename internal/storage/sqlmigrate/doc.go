// Package sqlmigrate applies the embedded SQL migrations under
// deploy/migrations/<dialect> to the MySQL and PostgreSQL key/value backends.
// Applied versions and file checksums are tracked in schema_migrations.
package sqlmigrate
