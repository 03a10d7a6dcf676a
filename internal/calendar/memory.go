package calendar

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryBackend keeps events in a map. It backs memory:// endpoints and
// is the workhorse of tests.
type InMemoryBackend struct {
	mu     sync.Mutex
	events map[string]Fields
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{events: map[string]Fields{}}
}

func (b *InMemoryBackend) Create(ctx context.Context, fields Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	uid := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[uid] = fields
	return uid, nil
}

func (b *InMemoryBackend) Update(ctx context.Context, uid string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[uid]; !ok {
		return ErrNotFound
	}
	b.events[uid] = fields
	return nil
}

func (b *InMemoryBackend) Delete(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[uid]; !ok {
		return ErrNotFound
	}
	delete(b.events, uid)
	return nil
}

func (b *InMemoryBackend) FindByUID(ctx context.Context, uid string) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return Fields{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fields, ok := b.events[uid]
	if !ok {
		return Fields{}, ErrNotFound
	}
	return fields, nil
}

// Len reports the number of stored events.
func (b *InMemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// memory:// endpoints with the same URL share one backend, so separate
// factory calls within a process observe the same remote state.
var memoryBackends = struct {
	mu sync.Mutex
	m  map[string]*InMemoryBackend
}{m: map[string]*InMemoryBackend{}}

func sharedMemoryBackend(endpoint string) *InMemoryBackend {
	memoryBackends.mu.Lock()
	defer memoryBackends.mu.Unlock()
	backend, ok := memoryBackends.m[endpoint]
	if !ok {
		backend = NewInMemoryBackend()
		memoryBackends.m[endpoint] = backend
	}
	return backend
}
