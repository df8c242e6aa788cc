// Package configstore implements configcache.Store against the
// configuration database using raw pgx queries — the core never owns this
// schema's migrations, it only reads rows the admin UI writes.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corvane/keyrelay/pkg/configcache"
)

// Store reads users/keys/providers/model_prices/system_settings from
// Postgres. All methods issue a single query; the caller (configcache.Cache)
// owns batching and TTL policy.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) LoadUser(ctx context.Context, id int64) (*configcache.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, enabled, expires_at, role, rpm_limit,
		       limit_5h_usd, limit_daily_usd, limit_weekly_usd, limit_monthly_usd, limit_total_usd,
		       concurrent_session_limit, daily_reset_mode, daily_reset_time,
		       allowed_clients, allowed_models, provider_group, tags
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*configcache.User, error) {
	var u configcache.User
	var role, resetMode string
	if err := row.Scan(
		&u.ID, &u.Name, &u.Enabled, &u.ExpiresAt, &role, &u.RPMLimit,
		&u.Quotas.Limit5hUSD, &u.Quotas.LimitDailyUSD, &u.Quotas.LimitWeeklyUSD, &u.Quotas.LimitMonthlyUSD, &u.Quotas.LimitTotalUSD,
		&u.Quotas.ConcurrentSessionLimit, &resetMode, &u.DailyResetTime,
		&u.AllowedClients, &u.AllowedModels, &u.ProviderGroup, &u.Tags,
	); err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.Role = configcache.Role(role)
	u.DailyResetMode = configcache.ResetMode(resetMode)
	return &u, nil
}

func (s *Store) LoadKey(ctx context.Context, id int64) (*configcache.Key, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, hashed_secret, enabled, expires_at,
		       limit_5h_usd, limit_daily_usd, limit_weekly_usd, limit_monthly_usd, limit_total_usd,
		       concurrent_session_limit, can_login_web_ui, provider_group
		FROM keys WHERE id = $1`, id)
	return scanKey(row)
}

func (s *Store) LoadKeyByHash(ctx context.Context, hashedSecret string) (*configcache.Key, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, hashed_secret, enabled, expires_at,
		       limit_5h_usd, limit_daily_usd, limit_weekly_usd, limit_monthly_usd, limit_total_usd,
		       concurrent_session_limit, can_login_web_ui, provider_group
		FROM keys WHERE hashed_secret = $1`, hashedSecret)
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return k, nil
}

func scanKey(row pgx.Row) (*configcache.Key, error) {
	var k configcache.Key
	if err := row.Scan(
		&k.ID, &k.UserID, &k.HashedSecret, &k.Enabled, &k.ExpiresAt,
		&k.Quotas.Limit5hUSD, &k.Quotas.LimitDailyUSD, &k.Quotas.LimitWeeklyUSD, &k.Quotas.LimitMonthlyUSD, &k.Quotas.LimitTotalUSD,
		&k.Quotas.ConcurrentSessionLimit, &k.CanLoginWebUI, &k.ProviderGroup,
	); err != nil {
		return nil, fmt.Errorf("scanning key: %w", err)
	}
	return &k, nil
}

func (s *Store) LoadProvider(ctx context.Context, id int64) (*configcache.Provider, error) {
	row := s.pool.QueryRow(ctx, providerSelect+` WHERE id = $1`, id)
	return scanProvider(row)
}

func (s *Store) LoadProviders(ctx context.Context) ([]*configcache.Provider, error) {
	rows, err := s.pool.Query(ctx, providerSelect)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer rows.Close()

	var out []*configcache.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const providerSelect = `
	SELECT id, name, provider_type, vendor_id, url, api_key, enabled, expires_at,
	       weight, priority, cost_multiplier, group_tag, model_redirects, allowed_models,
	       join_claude_pool,
	       limit_5h_usd, limit_daily_usd, limit_weekly_usd, limit_monthly_usd, limit_total_usd, concurrent_session_limit,
	       proxy_url, proxy_fallback_to_direct,
	       timeout_first_byte_ms, timeout_idle_ms, timeout_non_stream_ms,
	       breaker_failure_threshold, breaker_open_duration_ms, breaker_half_open_success_threshold, breaker_max_retry_attempts
	FROM providers`

func scanProvider(row pgx.Row) (*configcache.Provider, error) {
	var p configcache.Provider
	var providerType, vendorID, groupTag, proxyURL string
	var modelRedirectsJSON []byte
	if err := row.Scan(
		&p.ID, &p.Name, &providerType, &vendorID, &p.URL, &p.APIKey, &p.Enabled, &p.ExpiresAt,
		&p.Weight, &p.Priority, &p.CostMultiplier, &groupTag, &modelRedirectsJSON, &p.AllowedModels,
		&p.JoinClaudePool,
		&p.Quotas.Limit5hUSD, &p.Quotas.LimitDailyUSD, &p.Quotas.LimitWeeklyUSD, &p.Quotas.LimitMonthlyUSD, &p.Quotas.LimitTotalUSD, &p.Quotas.ConcurrentSessionLimit,
		&proxyURL, &p.Proxy.FallbackToDirect,
		&p.Timeouts.FirstByteMs, &p.Timeouts.IdleMs, &p.Timeouts.NonStreamMs,
		&p.Breaker.FailureThreshold, &p.Breaker.OpenDurationMs, &p.Breaker.HalfOpenSuccessThreshold, &p.Breaker.MaxRetryAttempts,
	); err != nil {
		return nil, fmt.Errorf("scanning provider: %w", err)
	}
	p.Type = configcache.ProviderType(providerType)
	p.VendorID = vendorID
	p.GroupTag = groupTag
	p.Proxy.URL = proxyURL
	if len(modelRedirectsJSON) > 0 {
		if err := json.Unmarshal(modelRedirectsJSON, &p.ModelRedirects); err != nil {
			return nil, fmt.Errorf("decoding model_redirects: %w", err)
		}
	}
	return &p, nil
}

func (s *Store) LoadSystemSettings(ctx context.Context) (*configcache.SystemSettings, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT http2_enabled, intercept_anthropic_warmup_requests, warmup_fingerprints
		FROM system_settings LIMIT 1`)
	var set configcache.SystemSettings
	var fingerprintsJSON []byte
	if err := row.Scan(&set.HTTP2Enabled, &set.InterceptAnthropicWarmupRequests, &fingerprintsJSON); err != nil {
		return nil, fmt.Errorf("scanning system_settings: %w", err)
	}
	if len(fingerprintsJSON) > 0 {
		if err := json.Unmarshal(fingerprintsJSON, &set.WarmupFingerprints); err != nil {
			return nil, fmt.Errorf("decoding warmup_fingerprints: %w", err)
		}
	}
	return &set, nil
}

func (s *Store) LoadModelPrices(ctx context.Context) ([]*configcache.ModelPrice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT model, input_per_mtok, output_per_mtok, cache_create_per_mtok, cache_read_per_mtok
		FROM model_prices`)
	if err != nil {
		return nil, fmt.Errorf("querying model_prices: %w", err)
	}
	defer rows.Close()

	var out []*configcache.ModelPrice
	for rows.Next() {
		var mp configcache.ModelPrice
		if err := rows.Scan(&mp.Model, &mp.InputPerMTok, &mp.OutputPerMTok, &mp.CacheCreatePerMTok, &mp.CacheReadPerMTok); err != nil {
			return nil, fmt.Errorf("scanning model_price: %w", err)
		}
		out = append(out, &mp)
	}
	return out, rows.Err()
}
