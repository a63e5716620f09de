// Package storage provides the persistence layer of the monitoring engine:
//
//   - Per-job append-only sample series (the production history)
//   - The durable job registry the scheduler rehydrates on startup
//
// Appends are atomic: a sample row is either fully written or absent.
package storage
