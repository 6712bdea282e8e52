// Package pg connects to PostgreSQL through a pgx connection pool, applies
// goose migrations and classifies driver errors.
//
// Connect retries pool creation and ping with a linearly growing delay so the
// service can start while the database container is still coming up.
// Migrate bridges the pool to database/sql for goose and routes goose output
// through the service logger. Migrations are read from an fs.FS (usually an
// embed.FS owned by the store package) or, when none is given, from
// Config.MigrationsPath on disk.
//
// IsDuplicateKeyError is the basis of the webhook ledger's idempotency guard:
// an insert that violates the event id primary key is treated as "already
// recorded" rather than as a failure.
package pg
