// Package session manages the five-minute logical session context each
// inbound request belongs to: id allocation/reuse and a monotonic request
// sequence, split between a small hot-field record (a JSON-encoded Redis
// string, always written) and a larger message-body keyspace gated by a
// policy flag, both sharing the session TTL. Concurrent-session limits are
// not tracked here; pkg/ratelimit does that.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is the runtime context for a logical client session.
type Session struct {
	ID              string
	UserID          int64
	KeyID           int64
	RequestSequence int64
	LastProviderID  int64
	StartTime       time.Time
	LastActivityAt  time.Time
	InFlight        bool
	InputTokens     int64
	OutputTokens    int64
	CostUSD         float64
	DurationMs      int64
	UserAgent       string
	Model           string
}

// Manager owns session state in Redis.
type Manager struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Manager {
	return &Manager{rdb: rdb, ttl: ttl}
}

func hotKey(id string) string  { return "session:" + id + ":hot" }
func seqKey(id string) string  { return "session:" + id + ":seq" }
func bodyKey(id, suffix string) string { return "session:" + id + ":body:" + suffix }

// ExtractClientSessionID parses a client-provided session hint from the
// request's metadata.user_id field (Claude) or an equivalent field; returns
// "" if absent.
func ExtractClientSessionID(body map[string]any) string {
	meta, ok := body["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	if uid, ok := meta["user_id"].(string); ok {
		return uid
	}
	return ""
}

// DeriveSessionID computes a deterministic session id from the identity and
// the hash of the first message, so retries against the same logical
// conversation reuse the same context even without a client-supplied id.
func DeriveSessionID(userID, keyID int64, firstMessage string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", userID, keyID, firstMessage)))
	return hex.EncodeToString(h[:])[:32]
}

// GetOrCreateSessionID uses a client-supplied session id exactly as given
// (it is not normalized), or derives one deterministically, and ensures a
// hot-field record exists for it.
func (m *Manager) GetOrCreateSessionID(ctx context.Context, userID, keyID int64, clientSessionID, firstMessage, userAgent, model string) (*Session, error) {
	id := clientSessionID
	if id == "" {
		id = DeriveSessionID(userID, keyID, firstMessage)
	}

	existing, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	s := &Session{
		ID:             id,
		UserID:         userID,
		KeyID:          keyID,
		StartTime:      now,
		LastActivityAt: now,
		UserAgent:      userAgent,
		Model:          model,
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads a session's hot fields, or returns nil if it has expired.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	data, err := m.rdb.Get(ctx, hotKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &s, nil
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.ID, err)
	}
	return m.rdb.Set(ctx, hotKey(s.ID), data, m.ttl).Err()
}

// GetNextRequestSequence atomically increments and returns the per-session
// request counter, guaranteeing a strictly increasing, gap-free sequence
// even under concurrent retries against the same session.
func (m *Manager) GetNextRequestSequence(ctx context.Context, id string) (int64, error) {
	pipe := m.rdb.TxPipeline()
	incr := pipe.Incr(ctx, seqKey(id))
	pipe.Expire(ctx, seqKey(id), m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing sequence for session %s: %w", id, err)
	}
	return incr.Val(), nil
}

// Touch extends a session's TTL to ttl from now, used on every request that
// continues an existing session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.rdb.Expire(ctx, hotKey(id), m.ttl).Err()
}

// UpdateAfterRequest merges per-request counters into the session's
// aggregates and persists the last provider used (session affinity).
func (m *Manager) UpdateAfterRequest(ctx context.Context, id string, providerID int64, inputTokens, outputTokens int64, costUSD float64, durationMs int64) error {
	s, err := m.Load(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return nil // session expired mid-request; nothing to update
	}
	s.LastProviderID = providerID
	s.InputTokens += inputTokens
	s.OutputTokens += outputTokens
	s.CostUSD += costUSD
	s.DurationMs += durationMs
	s.LastActivityAt = time.Now()
	return m.save(ctx, s)
}

// StorePayload writes a request/response body or header blob into the
// session's body keyspace, conditional on the STORE_SESSION_MESSAGES policy
// flag. Callers should fire this without blocking the response path.
func (m *Manager) StorePayload(ctx context.Context, id, suffix string, payload []byte) error {
	return m.rdb.Set(ctx, bodyKey(id, suffix), payload, m.ttl).Err()
}
