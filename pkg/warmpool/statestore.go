package warmpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hutchhq/hutch/pkg/types"
)

// BotConfig is the activation payload a warm bot reads when it is bound
// to a tenant. The bot watches its bot_config key and reconfigures
// itself when the payload appears.
type BotConfig struct {
	TenantID       string `json:"tenant_id"`
	BotToken       string `json:"bot_token"`
	OwnerContactID int64  `json:"owner_contact_id"`
	SchemaName     string `json:"schema_name"`
	CachePartition int    `json:"cache_partition"`
	DisplayName    string `json:"display_name,omitempty"`
}

// SlotRecord is the status record for one pool member, stored at the
// member's bot_status key. The bot writes its own record on startup and
// after activation; the control plane writes the claim and binding
// transitions.
type SlotRecord struct {
	Status        types.WarmStatus `json:"status"`
	BoundTenantID string           `json:"bound_tenant_id,omitempty"`
	ClaimedAt     *time.Time       `json:"claimed_at,omitempty"`
}

// StateStore is the shared state surface between the control plane and
// the bot processes: per-container status records and activation config
// keys.
type StateStore interface {
	// Status reads a container's pool status. Containers with no record
	// report WarmUnknown.
	Status(ctx context.Context, containerID string) (types.WarmStatus, error)

	// Record reads the full status record. Containers with no record
	// report a zero record with status WarmUnknown.
	Record(ctx context.Context, containerID string) (*SlotRecord, error)

	// SetStatus overwrites the record with a bare status, dropping any
	// tenant binding.
	SetStatus(ctx context.Context, containerID string, s types.WarmStatus) error

	// Claim atomically moves waiting to claimed, stamping the claim
	// time. It returns false when the container was not in waiting, so
	// concurrent claimers cannot both win the same slot.
	Claim(ctx context.Context, containerID string) (bool, error)

	// Bind writes the tenant binding onto the record, preserving the
	// current status.
	Bind(ctx context.Context, containerID, tenantID string) error

	// Release moves a claimed container back to waiting and removes any
	// pending activation config.
	Release(ctx context.Context, containerID string) error

	// Activate writes the activation config for a claimed container.
	// The write is create-only with a TTL: a second activation of the
	// same container fails rather than silently overwriting.
	Activate(ctx context.Context, containerID string, cfg *BotConfig, ttl time.Duration) error

	// Clear removes both keys for a container.
	Clear(ctx context.Context, containerID string) error
}

func statusKey(containerID string) string { return "bot_status:" + containerID }
func configKey(containerID string) string { return "bot_config:" + containerID }

// decodeRecord tolerates both the JSON record and a bare status string,
// which bot images write when they flip their own status.
func decodeRecord(val string) *SlotRecord {
	var rec SlotRecord
	if err := json.Unmarshal([]byte(val), &rec); err == nil && rec.Status != "" {
		rec.Status = normalizeStatus(rec.Status)
		return &rec
	}
	return &SlotRecord{Status: normalizeStatus(types.WarmStatus(val))}
}

func normalizeStatus(st types.WarmStatus) types.WarmStatus {
	switch st {
	case types.WarmWaiting, types.WarmClaimed, types.WarmActive:
		return st
	}
	return types.WarmUnknown
}

// RedisStateStore implements StateStore on Redis, matching the key
// contract the bot images are built against.
type RedisStateStore struct {
	rdb *redis.Client
}

func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb}
}

func (s *RedisStateStore) Record(ctx context.Context, containerID string) (*SlotRecord, error) {
	val, err := s.rdb.Get(ctx, statusKey(containerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &SlotRecord{Status: types.WarmUnknown}, nil
		}
		return nil, fmt.Errorf("failed to read status of %s: %w", containerID, err)
	}
	return decodeRecord(val), nil
}

func (s *RedisStateStore) Status(ctx context.Context, containerID string) (types.WarmStatus, error) {
	rec, err := s.Record(ctx, containerID)
	if err != nil {
		return types.WarmUnknown, err
	}
	return rec.Status, nil
}

func (s *RedisStateStore) writeRecord(ctx context.Context, containerID string, rec *SlotRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode status of %s: %w", containerID, err)
	}
	if err := s.rdb.Set(ctx, statusKey(containerID), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to set status of %s: %w", containerID, err)
	}
	return nil
}

func (s *RedisStateStore) SetStatus(ctx context.Context, containerID string, st types.WarmStatus) error {
	return s.writeRecord(ctx, containerID, &SlotRecord{Status: st})
}

// Claim uses WATCH so the read-check-write on the status key is a
// compare-and-swap. Losing the race returns false, never an error.
func (s *RedisStateStore) Claim(ctx context.Context, containerID string) (bool, error) {
	key := statusKey(containerID)
	claimed := false
	now := time.Now().UTC()
	payload, err := json.Marshal(&SlotRecord{Status: types.WarmClaimed, ClaimedAt: &now})
	if err != nil {
		return false, fmt.Errorf("failed to encode claim of %s: %w", containerID, err)
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		if decodeRecord(val).Status != types.WarmWaiting {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// Someone else touched the key mid-claim; they won.
			return false, nil
		}
		return false, fmt.Errorf("failed to claim %s: %w", containerID, err)
	}
	return claimed, nil
}

func (s *RedisStateStore) Bind(ctx context.Context, containerID, tenantID string) error {
	rec, err := s.Record(ctx, containerID)
	if err != nil {
		return err
	}
	rec.BoundTenantID = tenantID
	if rec.ClaimedAt == nil {
		// The bot overwrote the record when it went active; restamp so
		// the binding carries a claim time.
		now := time.Now().UTC()
		rec.ClaimedAt = &now
	}
	return s.writeRecord(ctx, containerID, rec)
}

func (s *RedisStateStore) Release(ctx context.Context, containerID string) error {
	if err := s.rdb.Del(ctx, configKey(containerID)).Err(); err != nil {
		return fmt.Errorf("failed to clear config of %s: %w", containerID, err)
	}
	return s.SetStatus(ctx, containerID, types.WarmWaiting)
}

func (s *RedisStateStore) Activate(ctx context.Context, containerID string, cfg *BotConfig, ttl time.Duration) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config for %s: %w", containerID, err)
	}
	ok, err := s.rdb.SetNX(ctx, configKey(containerID), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to write config for %s: %w", containerID, err)
	}
	if !ok {
		return fmt.Errorf("container %s already has a pending activation", containerID)
	}
	return nil
}

func (s *RedisStateStore) Clear(ctx context.Context, containerID string) error {
	if err := s.rdb.Del(ctx, statusKey(containerID), configKey(containerID)).Err(); err != nil {
		return fmt.Errorf("failed to clear state of %s: %w", containerID, err)
	}
	return nil
}
