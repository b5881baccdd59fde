// Package mysql provides the shared MySQL plumbing used by the persistent
// stores: connection pool setup and the embedded schema migrations that
// create the task, step and artifact tables.
package mysql
