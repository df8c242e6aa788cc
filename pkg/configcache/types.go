// Package configcache implements an in-process, TTL-refreshed cache over
// the configuration store's user, key, provider, and system-settings
// records, kept consistent across processes via pub/sub invalidation.
package configcache

import "time"

// ResetMode is how a user's daily quota window resets.
type ResetMode string

const (
	ResetFixed   ResetMode = "fixed"
	ResetRolling ResetMode = "rolling"
)

// Role distinguishes admin from ordinary users; it is loaded with the user
// record but the pipeline does not read it.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Quotas is the common shape shared by User, Key, and Provider records.
type Quotas struct {
	Limit5hUSD             *float64
	LimitDailyUSD          *float64
	LimitWeeklyUSD         *float64
	LimitMonthlyUSD        *float64
	LimitTotalUSD          *float64
	ConcurrentSessionLimit *int
}

// User is an identity with quotas.
type User struct {
	ID                int64
	Name              string
	Enabled           bool
	ExpiresAt         *time.Time
	Role              Role
	RPMLimit          *int
	Quotas            Quotas
	DailyResetMode    ResetMode
	DailyResetTime    string // "HH:MM"
	AllowedClients    []string
	AllowedModels     []string
	ProviderGroup     []string
	Tags              []string
}

// Expired reports whether the user may no longer make requests.
func (u *User) Expired(now time.Time) bool {
	if !u.Enabled {
		return true
	}
	return u.ExpiresAt != nil && now.After(*u.ExpiresAt)
}

// Key is authentication material tied to one user.
type Key struct {
	ID              int64
	UserID          int64
	HashedSecret    string
	Enabled         bool
	ExpiresAt       *time.Time
	Quotas          Quotas
	CanLoginWebUI   bool
	ProviderGroup   []string // overrides User.ProviderGroup when non-empty
}

// Expired reports whether the key may no longer authenticate requests.
func (k *Key) Expired(now time.Time) bool {
	if !k.Enabled {
		return true
	}
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// EffectiveProviderGroup returns the key's override, or falls back to the
// user's provider group.
func (k *Key) EffectiveProviderGroup(u *User) []string {
	if len(k.ProviderGroup) > 0 {
		return k.ProviderGroup
	}
	return u.ProviderGroup
}

type ProviderType string

const (
	ProviderClaude         ProviderType = "claude"
	ProviderClaudeAuth     ProviderType = "claude-auth"
	ProviderCodex          ProviderType = "codex"
	ProviderGemini         ProviderType = "gemini"
	ProviderGeminiCLI      ProviderType = "gemini-cli"
	ProviderOpenAICompat   ProviderType = "openai-compatible"
)

// ClientFamily is the wire protocol the inbound request arrived in.
type ClientFamily string

const (
	FamilyClaude    ClientFamily = "claude"
	FamilyOpenAI    ClientFamily = "openai"
	FamilyResponses ClientFamily = "responses"
	FamilyGemini    ClientFamily = "gemini"
)

// ProxyConfig describes how the Forwarder should dial a provider.
type ProxyConfig struct {
	URL               string
	FallbackToDirect  bool
}

// Timeouts bounds the Forwarder's outbound call phases, in milliseconds.
type Timeouts struct {
	FirstByteMs int
	IdleMs      int
	NonStreamMs int
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold         int
	OpenDurationMs           int
	HalfOpenSuccessThreshold int
	MaxRetryAttempts         int
}

// CodexConfig captures codex/Responses-API specific knobs.
type CodexConfig struct {
	InstructionsStrategy string // "auto" | "force_official" | "keep_original"
	MCPPassthrough       bool
	Prefer1MContext      bool
	CacheTTLOverride     *time.Duration
}

// Provider is an upstream AI destination.
type Provider struct {
	ID               int64
	Name             string
	Type             ProviderType
	VendorID         string // groups providers sharing an upstream vendor outage domain
	URL              string
	APIKey           string
	Enabled          bool
	ExpiresAt        *time.Time
	Weight           int // 0-100
	Priority         int // lower = preferred
	CostMultiplier   float64
	GroupTag         string
	ModelRedirects   map[string]string
	AllowedModels    []string
	JoinClaudePool   bool
	Quotas           Quotas
	Proxy            ProxyConfig
	Timeouts         Timeouts
	Breaker          BreakerConfig
	Codex            CodexConfig
}

// Expired reports whether the provider has aged out of eligibility.
func (p *Provider) Expired(now time.Time) bool {
	if !p.Enabled {
		return true
	}
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// SystemSettings are process-wide conservative-default flags.
type SystemSettings struct {
	HTTP2Enabled                     bool
	InterceptAnthropicWarmupRequests bool
	// WarmupFingerprints are substring patterns matched against the first
	// user message and any system/system-reminder text to detect a client's
	// connectivity probe. Kept as data rather than constants since the
	// source material drifts across client versions and an operator needs
	// to update it without a redeploy.
	WarmupFingerprints []string
}

// ConservativeDefaults returns the fail-open defaults used when the cache
// has never seen a value and the store cannot be reached.
func ConservativeDefaults() SystemSettings {
	return SystemSettings{
		HTTP2Enabled:                     false,
		InterceptAnthropicWarmupRequests: false,
		WarmupFingerprints:               nil,
	}
}

// ModelPrice is the per-token price table entry for one model.
type ModelPrice struct {
	Model               string
	InputPerMTok        float64
	OutputPerMTok       float64
	CacheCreatePerMTok  float64
	CacheReadPerMTok    float64
}
