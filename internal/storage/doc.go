// Package storage persists broadcast history.
//
// It currently supports:
//   - Outcome appends and recent-outcome queries (per owner or global)
//   - Audit log appends (operator kill/start actions)
package storage
