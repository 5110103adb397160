// Package storage provides durable backends for the replication engine.
//
// This package includes:
//   - GormStorage: a GORM-based implementation of the checkpoint key-value store
//     and the continuation queue, supporting SQLite and PostgreSQL
//   - MemoryStorage: an in-process implementation of the same contracts
//
// The contracts themselves (KV, Swapper, Deferrer) are defined in pkg/core.
//
// Most users should import the root package github.com/jdziat/simple-durable-replication
// which provides NewGormStorage() to create storage instances.
package storage
