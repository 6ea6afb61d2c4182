// Package store defines the persisted domain model (jobs, areas, progress)
// and the interfaces the orchestration layer consumes for persistence.
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
