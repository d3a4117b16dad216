// Package db provides the database layer for the Mirsat agent.
// It encapsulates all interactions with the underlying SQLite database, managing
// persistence for cache generations and their captured responses, the durable
// mutation queue, agent state and logs.
//
// This package is responsible for:
//   - Establishing and managing database connections (`db.go`).
//   - Defining database-specific data structures that map to SQL table schemas.
//   - Implementing repository interfaces (e.g., `CacheRepository`, `QueueRepository`)
//     to perform CRUD operations.
//   - Handling data conversion between domain-specific structs (from the `domain` package)
//     and database-friendly structs, including the use of `sql.Null*` types for nullable fields.
//   - Compressing stored response bodies (`compress.go`).
//   - Managing database migrations (`migrations/`).
package db
