package store

import (
	"context"

	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/job"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem contract so that dead-lettering can update
// the job and write the archive entry in one step.
type Store interface {
	job.Store
	dlq.Store

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
