package store

import (
	"context"
	"sync"
	"time"
)

// maxCASRetries bounds compare-and-swap spinning under contention.
const maxCASRetries = 100

// entry is a stored counter with expiration.
type entry struct {
	mu         sync.Mutex
	value      int64
	expiration time.Time
}

// MemoryStore implements Store with process-local counters. It serves
// single-instance deployments and the degradation path when the shared
// store is unreachable.
type MemoryStore struct {
	data sync.Map

	cleanup *time.Ticker
	done    chan struct{}
	closed  sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store with a one-minute expired-key
// sweep.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates an in-memory store with a
// custom sweep interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return 0, &ErrKeyNotFound{Key: key}
	}
	e := value.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(time.Now()) {
		s.data.Delete(key)
		return 0, &ErrKeyNotFound{Key: key}
	}
	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}
	s.data.Store(key, &entry{value: value, expiration: exp})
	return nil
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := time.Now()
	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			fresh := &entry{value: delta}
			if expiration > 0 {
				fresh.expiration = now.Add(expiration)
			}
			if _, loaded := s.data.LoadOrStore(key, fresh); loaded {
				continue
			}
			return delta, nil
		}

		e := value.(*entry)
		e.mu.Lock()
		if e.expired(now) {
			e.mu.Unlock()
			s.data.Delete(key)
			continue
		}
		e.value += delta
		result := e.value
		e.mu.Unlock()
		return result, nil
	}
	return 0, &ErrKeyNotFound{Key: key}
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data.Delete(key)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.closed.Do(func() {
		s.cleanup.Stop()
		close(s.done)
	})
	return nil
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

func (s *MemoryStore) sweep() {
	for {
		select {
		case <-s.done:
			return
		case now := <-s.cleanup.C:
			s.data.Range(func(key, value interface{}) bool {
				e := value.(*entry)
				e.mu.Lock()
				expired := e.expired(now)
				e.mu.Unlock()
				if expired {
					s.data.Delete(key)
				}
				return true
			})
		}
	}
}
