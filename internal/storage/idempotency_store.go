package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const idempotencyKeyPrefix = "idem:"

// IdempotencyState is the outcome of claiming an idempotency key
type IdempotencyState int

const (
	// IdempotencyNew means the caller owns the key and must execute the request
	IdempotencyNew IdempotencyState = iota
	// IdempotencyReplay means a completed response is stored for the same request
	IdempotencyReplay
	// IdempotencyInFlight means the same request is still being executed
	IdempotencyInFlight
	// IdempotencyMismatch means the key was used with a different request
	IdempotencyMismatch
)

// IdempotencyRecord is the stored state of one idempotency key
type IdempotencyRecord struct {
	Fingerprint string          `json:"fingerprint"`
	Completed   bool            `json:"completed"`
	StatusCode  int             `json:"statusCode,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// IdempotencyStore keeps responses of write requests for replay
type IdempotencyStore struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewIdempotencyStore creates a store whose records expire after ttl
func NewIdempotencyStore(cache *RedisCache, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{redis: cache, ttl: ttl}
}

// Fingerprint hashes the parts identifying a request
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Begin claims key for a request with the given fingerprint. For a replay the
// stored record is returned.
func (s *IdempotencyStore) Begin(ctx context.Context, key, fingerprint string) (IdempotencyState, *IdempotencyRecord, error) {
	pending := IdempotencyRecord{Fingerprint: fingerprint, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(pending)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, idempotencyKeyPrefix+key, data, s.ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return IdempotencyNew, nil, nil
	}

	raw, found, err := s.redis.Get(ctx, idempotencyKeyPrefix+key)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if !found {
		// Expired between the two calls; claim it again.
		return s.Begin(ctx, key, fingerprint)
	}

	var rec IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}
	switch {
	case rec.Fingerprint != fingerprint:
		return IdempotencyMismatch, &rec, nil
	case !rec.Completed:
		return IdempotencyInFlight, &rec, nil
	default:
		return IdempotencyReplay, &rec, nil
	}
}

// Complete stores the response for a claimed key
func (s *IdempotencyStore) Complete(ctx context.Context, key, fingerprint string, statusCode int, body []byte) error {
	rec := IdempotencyRecord{
		Fingerprint: fingerprint,
		Completed:   true,
		StatusCode:  statusCode,
		Body:        json.RawMessage(body),
		CreatedAt:   time.Now().UTC(),
	}
	if !json.Valid(body) {
		rec.Body = nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}
	if err := s.redis.Set(ctx, idempotencyKeyPrefix+key, data, s.ttl); err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// Release drops a claim so the client may retry, used when the request
// failed before producing a cacheable response.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.redis.Del(ctx, idempotencyKeyPrefix+key)
}
