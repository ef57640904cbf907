package room

import (
	"context"
	"maps"
	"sync"
)

// LocalRoom is an in-process room for dev runs without a signaling service.
type LocalRoom struct {
	name string

	mu        sync.RWMutex
	metadata  string
	attrs     map[string]string
	connected bool

	done     chan struct{}
	doneOnce sync.Once
}

func NewLocalRoom(name, metadata string) *LocalRoom {
	return &LocalRoom{
		name:     name,
		metadata: metadata,
		attrs:    make(map[string]string),
		done:     make(chan struct{}),
	}
}

func (r *LocalRoom) Connect(context.Context) error {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

func (r *LocalRoom) Name() string { return r.name }

func (r *LocalRoom) Metadata() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata
}

// SetMetadata replaces the room metadata, as a dispatcher would after creation.
func (r *LocalRoom) SetMetadata(metadata string) {
	r.mu.Lock()
	r.metadata = metadata
	r.mu.Unlock()
}

func (r *LocalRoom) SetAttributes(_ context.Context, attrs map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(r.attrs, attrs)
	return nil
}

// Attributes returns a copy of the published participant attributes.
func (r *LocalRoom) Attributes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.attrs)
}

func (r *LocalRoom) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Disconnect ends the room for the worker.
func (r *LocalRoom) Disconnect() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *LocalRoom) Disconnected() <-chan struct{} { return r.done }

func (r *LocalRoom) Close() error {
	r.Disconnect()
	return nil
}
