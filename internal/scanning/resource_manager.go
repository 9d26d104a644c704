package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/anstrom/ollamascan/internal/runstate"
)

// ResourceManager bounds the number of probes in flight.
type ResourceManager interface {
	runstate.SlotReporter

	// Acquire blocks until a probe slot is free for target key or ctx is done.
	Acquire(ctx context.Context, key string) error

	// Release frees the slot held for key.
	Release(key string)

	// Close refuses further acquisitions.
	Close() error
}

// FixedResourceManager implements ResourceManager with a fixed number of slots.
type FixedResourceManager struct {
	capacity int
	sem      *semaphore.Weighted
	active   map[string]time.Time
	mutex    sync.RWMutex
	closed   bool
}

// NewFixedResourceManager creates a resource manager with the given capacity.
func NewFixedResourceManager(capacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}

	return &FixedResourceManager{
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		active:   make(map[string]time.Time),
	}
}

// Acquire takes one slot for key.
func (rm *FixedResourceManager) Acquire(ctx context.Context, key string) error {
	rm.mutex.RLock()
	closed := rm.closed
	rm.mutex.RUnlock()
	if closed {
		return fmt.Errorf("resource manager is closed")
	}

	if err := rm.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	rm.mutex.Lock()
	rm.active[key] = time.Now()
	rm.mutex.Unlock()
	return nil
}

// Release frees the slot for key. Unknown keys are ignored.
func (rm *FixedResourceManager) Release(key string) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if _, exists := rm.active[key]; exists {
		delete(rm.active, key)
		rm.sem.Release(1)
	}
}

// Slots reports the held slots and how long the longest-running probe has
// held its slot.
func (rm *FixedResourceManager) Slots() runstate.Slots {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	var oldest time.Duration
	now := time.Now()
	for _, start := range rm.active {
		if d := now.Sub(start); d > oldest {
			oldest = d
		}
	}
	return runstate.Slots{
		Capacity:  rm.capacity,
		Active:    len(rm.active),
		Oldest:    oldest,
		Accepting: !rm.closed,
	}
}

// Close refuses further acquisitions. Slots already held stay valid until released.
func (rm *FixedResourceManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	rm.closed = true
	return nil
}
