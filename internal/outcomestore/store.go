// Package outcomestore appends RequestOutcome rows to the usage-log sink's
// backing table and sums historical cost for the rate limiter's lifetime
// quota checks. The core never migrates this schema — the same read-only
// boundary spec.md draws around the configuration store applies here,
// just append-only instead of read-only.
package outcomestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corvane/keyrelay/pkg/ratelimit"
	"github.com/corvane/keyrelay/pkg/usagesink"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WriteBatch implements usagesink.Store using one multi-row upsert keyed by
// request_id, so a streaming request's mid-flight update and its terminal
// write land on the same row instead of duplicating it.
func (s *Store) WriteBatch(ctx context.Context, outcomes []usagesink.RequestOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, o := range outcomes {
		chainJSON, err := json.Marshal(o.ProviderChain)
		if err != nil {
			return fmt.Errorf("encoding provider chain: %w", err)
		}
		batch.Queue(`
			INSERT INTO message_request (
				request_id, user_id, key_id, provider_id, session_id, request_sequence,
				endpoint, model, redirected_model, status_code,
				input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
				cost_usd, cost_multiplier, cost_estimated, duration_ms, ttfb_ms,
				error_message, provider_chain, blocked_by, user_agent
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
			ON CONFLICT (request_id) DO UPDATE SET
				status_code = EXCLUDED.status_code,
				input_tokens = EXCLUDED.input_tokens,
				output_tokens = EXCLUDED.output_tokens,
				cache_creation_tokens = EXCLUDED.cache_creation_tokens,
				cache_read_tokens = EXCLUDED.cache_read_tokens,
				cost_usd = EXCLUDED.cost_usd,
				cost_estimated = EXCLUDED.cost_estimated,
				duration_ms = EXCLUDED.duration_ms,
				ttfb_ms = EXCLUDED.ttfb_ms,
				error_message = EXCLUDED.error_message,
				provider_chain = EXCLUDED.provider_chain,
				blocked_by = EXCLUDED.blocked_by`,
			o.RequestID, o.UserID, o.KeyID, o.ProviderID, o.SessionID, o.RequestSequence,
			o.Endpoint, o.Model, o.RedirectedModel, o.StatusCode,
			o.InputTokens, o.OutputTokens, o.CacheCreationTokens, o.CacheReadTokens,
			o.CostUSD, o.CostMultiplier, o.CostEstimated, o.DurationMs, o.TTFBMs,
			o.ErrorMessage, chainJSON, o.BlockedBy, o.UserAgent,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range outcomes {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("writing request outcome: %w", err)
		}
	}
	return nil
}

// SumCost implements ratelimit.TotalCostSource against the same table for
// the "total" (lifetime) quota scope, which has no natural window to decay
// a Redis key against.
func (s *Store) SumCost(ctx context.Context, subject ratelimit.Subject, id int64) (float64, error) {
	var column string
	switch subject {
	case ratelimit.SubjectUser:
		column = "user_id"
	case ratelimit.SubjectKey:
		column = "key_id"
	case ratelimit.SubjectProvider:
		column = "provider_id"
	default:
		return 0, fmt.Errorf("unknown subject %q", subject)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COALESCE(SUM(cost_usd), 0) FROM message_request WHERE %s = $1`, column), id)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("summing cost: %w", err)
	}
	return total, nil
}
