package warmpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hutchhq/hutch/pkg/types"
)

// MemStateStore is an in-memory StateStore for tests. It mirrors the
// Redis implementation's semantics, including create-only activation.
type MemStateStore struct {
	mu      sync.Mutex
	records map[string]*SlotRecord
	configs map[string]*BotConfig
}

func NewMemStateStore() *MemStateStore {
	return &MemStateStore{
		records: make(map[string]*SlotRecord),
		configs: make(map[string]*BotConfig),
	}
}

func (s *MemStateStore) recordLocked(containerID string) *SlotRecord {
	rec, ok := s.records[containerID]
	if !ok {
		return &SlotRecord{Status: types.WarmUnknown}
	}
	cp := *rec
	return &cp
}

func (s *MemStateStore) Record(_ context.Context, containerID string) (*SlotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(containerID), nil
}

func (s *MemStateStore) Status(_ context.Context, containerID string) (types.WarmStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(containerID).Status, nil
}

func (s *MemStateStore) SetStatus(_ context.Context, containerID string, st types.WarmStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[containerID] = &SlotRecord{Status: st}
	return nil
}

func (s *MemStateStore) Claim(_ context.Context, containerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordLocked(containerID).Status != types.WarmWaiting {
		return false, nil
	}
	now := time.Now().UTC()
	s.records[containerID] = &SlotRecord{Status: types.WarmClaimed, ClaimedAt: &now}
	return true, nil
}

func (s *MemStateStore) Bind(_ context.Context, containerID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(containerID)
	rec.BoundTenantID = tenantID
	if rec.ClaimedAt == nil {
		now := time.Now().UTC()
		rec.ClaimedAt = &now
	}
	s.records[containerID] = rec
	return nil
}

func (s *MemStateStore) Release(_ context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, containerID)
	s.records[containerID] = &SlotRecord{Status: types.WarmWaiting}
	return nil
}

func (s *MemStateStore) Activate(_ context.Context, containerID string, cfg *BotConfig, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[containerID]; exists {
		return fmt.Errorf("container %s already has a pending activation", containerID)
	}
	s.configs[containerID] = cfg
	return nil
}

func (s *MemStateStore) Clear(_ context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, containerID)
	delete(s.configs, containerID)
	return nil
}

// Config returns the pending activation config, for tests.
func (s *MemStateStore) Config(containerID string) *BotConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[containerID]
}
