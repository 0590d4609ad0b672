// Package sessionstore persists credential bundles as one JSON blob per identifier
// in a remote object store that supports conditional (version-aware) writes.
//
// Backends implement the raw read/write/remove primitive. Client layers the
// read-modify-write loop on top so the compare-and-swap rule is enforced in one
// place:
//
//   - every write to an existing path carries the version read just before it
//   - a stale version is re-read and retried, never overwritten blindly
//   - writes for the same identifier are serialized in call order
//
// Available backends: GitHub repository contents (production), PostgreSQL, and
// an in-memory map for development and tests.
package sessionstore
