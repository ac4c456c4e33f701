// Package memory implements registry.Store with a mutex-guarded map.
// All state is lost on restart — suitable for local development only.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/akshayaggarwal99/boxed/internal/registry"
)

// Store is an in-memory registry.Store backed by a single mutex.
type Store struct {
	mu   sync.Mutex
	byID map[string]*registry.Record
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{byID: make(map[string]*registry.Record)}
}

func (s *Store) Save(_ context.Context, rec *registry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	s.byID[rec.SandboxID] = rec.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*registry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *Store) List(_ context.Context, userID string) ([]*registry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*registry.Record, 0, len(s.byID))
	for _, rec := range s.byID {
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false, nil
	}
	delete(s.byID, id)
	return true, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status registry.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if status == registry.StatusStopped {
		now := time.Now().UTC()
		rec.StoppedAt = &now
	}
	return true, nil
}

func (s *Store) UpdateHeartbeat(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	rec.LastHeartbeatAt = &now
	rec.UpdatedAt = now
	return true, nil
}

func (s *Store) MarkStopped(_ context.Context, id string, reason registry.StopReason) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Status = registry.StatusStopped
	rec.StoppedAt = &now
	rec.UpdatedAt = now
	rec.StopReason = &reason
	return true, nil
}

func (s *Store) Reconcile(_ context.Context, liveContainerIDs map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.byID {
		switch rec.Status {
		case registry.StatusStarting, registry.StatusReady, registry.StatusRunning:
		default:
			continue
		}
		if rec.ContainerID == nil {
			continue
		}
		if _, live := liveContainerIDs[*rec.ContainerID]; live {
			continue
		}
		now := time.Now().UTC()
		reason := registry.StopReasonGracefulShutdown
		rec.Status = registry.StatusStopped
		rec.StoppedAt = &now
		rec.UpdatedAt = now
		rec.StopReason = &reason
	}
	return nil
}

func (s *Store) ExpireStale(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var expired []string
	for _, rec := range s.byID {
		if rec.Status.Terminal() {
			continue
		}
		if rec.ExpiresAt.After(now) {
			continue
		}
		reason := registry.StopReasonExpired
		rec.Status = registry.StatusExpired
		rec.StoppedAt = &now
		rec.UpdatedAt = now
		rec.StopReason = &reason
		expired = append(expired, rec.SandboxID)
	}
	return expired, nil
}

func (s *Store) Close() error {
	return nil
}
