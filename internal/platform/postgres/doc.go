// Package postgres backs the task store with PostgreSQL through the pgx
// database/sql driver. It owns the schema migrations and the dialect that
// lets concurrent workers claim rows with FOR UPDATE SKIP LOCKED.
package postgres
