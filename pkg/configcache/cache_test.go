package configcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeStore struct {
	user       *User
	userErr    error
	providers  []*Provider
	provErr    error
	settings   *SystemSettings
	settingsErr error
	loadCalls  int
}

func (f *fakeStore) LoadUser(ctx context.Context, id int64) (*User, error) {
	f.loadCalls++
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.user, nil
}
func (f *fakeStore) LoadKey(ctx context.Context, id int64) (*Key, error) { return nil, nil }
func (f *fakeStore) LoadKeyByHash(ctx context.Context, hashedSecret string) (*Key, error) {
	return nil, nil
}
func (f *fakeStore) LoadProvider(ctx context.Context, id int64) (*Provider, error) { return nil, nil }
func (f *fakeStore) LoadProviders(ctx context.Context) ([]*Provider, error) {
	f.loadCalls++
	if f.provErr != nil {
		return nil, f.provErr
	}
	return f.providers, nil
}
func (f *fakeStore) LoadSystemSettings(ctx context.Context) (*SystemSettings, error) {
	if f.settingsErr != nil {
		return nil, f.settingsErr
	}
	return f.settings, nil
}
func (f *fakeStore) LoadModelPrices(ctx context.Context) ([]*ModelPrice, error) { return nil, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCacheServesFreshValueWithoutRefetch(t *testing.T) {
	store := &fakeStore{user: &User{ID: 1, Name: "a", Enabled: true}}
	c := New(store, time.Minute, testLogger())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		u, err := c.User(ctx, 1)
		if err != nil {
			t.Fatalf("User: %v", err)
		}
		if u.Name != "a" {
			t.Fatalf("got %q", u.Name)
		}
	}
	if store.loadCalls != 1 {
		t.Fatalf("expected 1 store load, got %d", store.loadCalls)
	}
}

func TestCacheFailsOpenOnRefreshError(t *testing.T) {
	store := &fakeStore{user: &User{ID: 1, Name: "stale"}}
	c := New(store, time.Millisecond, testLogger())

	ctx := context.Background()
	if _, err := c.User(ctx, 1); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	store.userErr = errors.New("store unreachable")

	u, err := c.User(ctx, 1)
	if err != nil {
		t.Fatalf("expected fail-open, got error: %v", err)
	}
	if u.Name != "stale" {
		t.Fatalf("expected stale value served, got %q", u.Name)
	}
}

func TestCacheReturnsErrorWithNoPriorValue(t *testing.T) {
	store := &fakeStore{userErr: errors.New("boom")}
	c := New(store, time.Minute, testLogger())

	_, err := c.User(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error when no cached value exists")
	}
}

func TestSettingsFallBackToConservativeDefaults(t *testing.T) {
	store := &fakeStore{settingsErr: errors.New("unreachable")}
	c := New(store, time.Minute, testLogger())

	s := c.Settings(context.Background())
	if s.HTTP2Enabled || s.InterceptAnthropicWarmupRequests {
		t.Fatalf("expected conservative defaults, got %+v", s)
	}
}

func TestEvictAllForcesReload(t *testing.T) {
	store := &fakeStore{providers: []*Provider{{ID: 1, Enabled: true}}}
	c := New(store, time.Minute, testLogger())
	ctx := context.Background()

	if _, err := c.Providers(ctx); err != nil {
		t.Fatalf("Providers: %v", err)
	}
	c.EvictAll()
	if _, err := c.Providers(ctx); err != nil {
		t.Fatalf("Providers after evict: %v", err)
	}
	if store.loadCalls != 2 {
		t.Fatalf("expected 2 loads after eviction, got %d", store.loadCalls)
	}
}

func TestAggregatedModelsDedupesAndTagsOwner(t *testing.T) {
	store := &fakeStore{providers: []*Provider{
		{ID: 1, Enabled: true, AllowedModels: []string{"claude-opus-4", "gpt-4o"}},
		{ID: 2, Enabled: true, AllowedModels: []string{"gpt-4o", "gemini-2.5-pro"}},
		{ID: 3, Enabled: false, AllowedModels: []string{"should-not-appear"}},
	}}
	c := New(store, time.Minute, testLogger())

	models, err := c.AggregatedModels(context.Background())
	if err != nil {
		t.Fatalf("AggregatedModels: %v", err)
	}
	if len(models) != 3 {
		t.Fatalf("expected 3 deduped models, got %d: %+v", len(models), models)
	}
	owners := map[string]string{}
	for _, m := range models {
		owners[m.ID] = m.OwnedBy
	}
	if owners["claude-opus-4"] != "anthropic" || owners["gpt-4o"] != "openai" || owners["gemini-2.5-pro"] != "google" {
		t.Fatalf("unexpected owner tags: %+v", owners)
	}
}
