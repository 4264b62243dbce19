// Package ident provides the id source capability consumed by the kernel.
package ident

import "github.com/google/uuid"

// Source produces collision-free opaque ids for tasks, agents, sessions,
// messages, executions, and alerts.
type Source interface {
	NewID() string
}

// UUIDSource is the default Source backed by random UUIDs.
type UUIDSource struct{}

// NewID returns a new UUID string.
func (UUIDSource) NewID() string {
	return uuid.New().String()
}

// New returns the default id source.
func New() Source {
	return UUIDSource{}
}
