package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/corvane/keyrelay/pkg/configcache"
)

// extractAPIKey reads the caller's key from x-api-key, x-goog-api-key, or
// Authorization: Bearer, checked in that order, the shapes the four
// endpoint families use interchangeably.
func extractAPIKey(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	if v := r.Header.Get("x-goog-api-key"); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return rest
	}
	return ""
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// authenticate resolves an API key to its Key and owning User records,
// checking both for expiry/disablement the way the config store's enabled
// and expiresAt invariants require.
func (h *Handler) authenticate(ctx context.Context, apiKey string) (*configcache.User, *configcache.Key, error) {
	if apiKey == "" {
		return nil, nil, errUnauthorized("missing API key")
	}

	key, err := h.d.Cache.KeyByHash(ctx, hashAPIKey(apiKey))
	if err != nil {
		return nil, nil, &Error{Kind: KindInternal, Status: 500, Message: err.Error()}
	}
	if key == nil {
		return nil, nil, errUnauthorized("invalid API key")
	}
	now := time.Now()
	if key.Expired(now) {
		return nil, nil, errUnauthorized("key disabled or expired")
	}

	user, err := h.d.Cache.User(ctx, key.UserID)
	if err != nil {
		return nil, nil, &Error{Kind: KindInternal, Status: 500, Message: err.Error()}
	}
	if user == nil || user.Expired(now) {
		return nil, nil, errUnauthorized("user disabled or expired")
	}

	return user, key, nil
}

func errUnauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Status: 401, Message: msg}
}
