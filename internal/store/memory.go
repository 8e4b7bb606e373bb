package store

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryBackend keeps sessions in process memory. A single mutex serializes
// every operation, so concurrent joins and disconnects on one code can't
// interleave.
type MemoryBackend struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryBackend(clk clock.Clock) *MemoryBackend {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryBackend{
		clock:   clk,
		entries: make(map[string]memoryEntry),
	}
}

// liveLocked returns the entry for code if it has not expired, reaping it
// otherwise.
func (b *MemoryBackend) liveLocked(code string, now time.Time) (memoryEntry, bool) {
	e, ok := b.entries[code]
	if !ok {
		return memoryEntry{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(b.entries, code)
		return memoryEntry{}, false
	}
	return e, true
}

func (b *MemoryBackend) Insert(ctx context.Context, code string, rec Record, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if _, ok := b.liveLocked(code, now); ok {
		return false, nil
	}
	b.entries[code] = memoryEntry{rec: rec, expiresAt: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Get(ctx context.Context, code string) (Record, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	e, ok := b.liveLocked(code, now)
	if !ok {
		return Record{}, 0, ErrNotFound
	}
	return e.rec, e.expiresAt.Sub(now), nil
}

func (b *MemoryBackend) Update(ctx context.Context, code string, ttl time.Duration, fn func(rec *Record) (Op, error)) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	e, ok := b.liveLocked(code, now)
	if !ok {
		return Record{}, ErrNotFound
	}

	rec := e.rec
	op, err := fn(&rec)
	if err != nil {
		return Record{}, err
	}
	switch op {
	case OpSave:
		b.entries[code] = memoryEntry{rec: rec, expiresAt: now.Add(ttl)}
	case OpDelete:
		delete(b.entries, code)
	case OpKeep:
		rec = e.rec
	}
	return rec, nil
}

// Sweep drops expired sessions and returns how many were removed.
func (b *MemoryBackend) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	n := 0
	for code, e := range b.entries {
		if !now.Before(e.expiresAt) {
			delete(b.entries, code)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones that have
// not been swept yet.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *MemoryBackend) Ping(ctx context.Context) error { return ctx.Err() }

func (b *MemoryBackend) Close() error { return nil }
