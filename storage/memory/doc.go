// Package memory provides an in-memory storage backend.
//
// It is suitable for tests and single-instance development deployments:
//
//   - All claim operations are single-winner under one mutex
//   - Expired codes and tokens are reclaimed by a background cleanup loop
//   - Nothing survives a restart; use the sqlite backend for durability
package memory
