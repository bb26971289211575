// Package storage holds the shared contracts of the SQL backends.
package storage

import "context"

// HealthCheck provides database health checking.
type HealthCheck interface {
	// Ping checks database connectivity.
	Ping(ctx context.Context) error
}

// NopHealthCheck reports healthy; used with the in-memory backend.
type NopHealthCheck struct{}

func (NopHealthCheck) Ping(context.Context) error { return nil }
