// Package store holds the database/sql plumbing shared by the SQL task
// stores: the DBTX abstraction, transaction handling, goose migrations and
// a dialect-parameterised implementation of task.TaskStore. The postgres
// and sqlite platform packages supply the dialect, driver and schema.
package store
