// Package room connects the worker to the media room a session runs in.
package room

import "context"

// Room is the worker's view of one room: connection, metadata and a
// participant attribute channel. Implementations are safe for concurrent use.
type Room interface {
	Connect(ctx context.Context) error
	Name() string
	Metadata() string
	SetAttributes(ctx context.Context, attrs map[string]string) error
	// Disconnected is closed once the room is gone for this worker.
	Disconnected() <-chan struct{}
	Close() error
}
