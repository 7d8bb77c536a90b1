package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the latest snapshot per PV id in a map.
// It is safe for concurrent use by multiple goroutines.
//
// If a TTL is configured, a background goroutine removes snapshots generated
// more than TTL ago. Use RedisStore when several forecasters share snapshots.
type MemoryStore struct {
	mu            sync.RWMutex
	snapshots     map[string]Snapshot
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates a store with no TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

// NewMemoryStoreWithTTL creates a store that drops snapshots older than ttl.
// Cleanup runs every cleanupInterval (one minute when zero). Call Stop when
// done with the store.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		snapshots:     make(map[string]Snapshot),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop ends the cleanup goroutine and waits for it. It is a no-op on a
// store without TTL and safe to call more than once.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes snapshots older than the TTL.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return
	}

	now := time.Now()
	for id, snapshot := range s.snapshots {
		if now.Sub(snapshot.GeneratedAt) > s.ttl {
			delete(s.snapshots, id)
		}
	}
}

// Put replaces the snapshot of snapshot.PvID.
func (s *MemoryStore) Put(ctx context.Context, snapshot Snapshot) error {
	if snapshot.PvID == "" {
		return ErrEmptyPvID
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshot.PvID] = cloneSnapshot(snapshot)
	return nil
}

// GetLatest returns the snapshot of pvID, if any.
func (s *MemoryStore) GetLatest(ctx context.Context, pvID string) (Snapshot, bool, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, found := s.snapshots[pvID]
	if !found {
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(snapshot), true, nil
}

// Len returns the number of snapshots stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Delete removes the snapshot of pvID and reports whether there was one.
func (s *MemoryStore) Delete(pvID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.snapshots[pvID]
	delete(s.snapshots, pvID)
	return existed
}

// PvIDs returns the ids that have a snapshot, in no particular order.
func (s *MemoryStore) PvIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	return ids
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.Powers = append([]float64(nil), s.Powers...)
	return s
}
