package provider

import (
	"testing"

	"github.com/corvane/keyrelay/pkg/configcache"
)

func TestFamilyMatches(t *testing.T) {
	tests := []struct {
		family configcache.ClientFamily
		pt     configcache.ProviderType
		join   bool
		want   bool
	}{
		{configcache.FamilyClaude, configcache.ProviderClaude, false, true},
		{configcache.FamilyClaude, configcache.ProviderClaudeAuth, false, true},
		{configcache.FamilyClaude, configcache.ProviderOpenAICompat, false, false},
		{configcache.FamilyClaude, configcache.ProviderOpenAICompat, true, true},
		{configcache.FamilyOpenAI, configcache.ProviderCodex, false, true},
		{configcache.FamilyOpenAI, configcache.ProviderOpenAICompat, false, true},
		{configcache.FamilyResponses, configcache.ProviderCodex, false, true},
		{configcache.FamilyGemini, configcache.ProviderGemini, false, true},
		{configcache.FamilyGemini, configcache.ProviderGeminiCLI, false, true},
		{configcache.FamilyGemini, configcache.ProviderClaude, false, false},
	}
	for _, tt := range tests {
		if got := familyMatches(tt.family, tt.pt, tt.join); got != tt.want {
			t.Errorf("familyMatches(%s,%s,%v) = %v, want %v", tt.family, tt.pt, tt.join, got, tt.want)
		}
	}
}

func TestModelAllowedEmptyMeansAny(t *testing.T) {
	if !modelAllowed(nil, "anything") {
		t.Fatal("expected empty allow-list to permit any model")
	}
	if !modelAllowed([]string{"a", "b"}, "b") {
		t.Fatal("expected listed model to be allowed")
	}
	if modelAllowed([]string{"a", "b"}, "c") {
		t.Fatal("expected unlisted model to be rejected")
	}
}

func TestGroupIntersectsUngroupedMode(t *testing.T) {
	if !groupIntersects("anything", nil) {
		t.Fatal("expected ungrouped mode (no effective groups) to match any provider group")
	}
	if !groupIntersects("teamA", []string{"teamA", "teamB"}) {
		t.Fatal("expected matching group to intersect")
	}
	if groupIntersects("teamC", []string{"teamA", "teamB"}) {
		t.Fatal("expected non-matching group to not intersect")
	}
}

func TestScoreRandZeroPicksFirstCandidate(t *testing.T) {
	r := &Resolver{rand: func() float64 { return 0 }}
	candidates := []*configcache.Provider{
		{ID: 1, Priority: 1, Weight: 10},
		{ID: 2, Priority: 1, Weight: 90},
	}
	// rand()==0 always picks the first weight bucket scanned.
	chosen := r.score(candidates, SelectOptions{})
	if chosen.ID != 1 {
		t.Fatalf("expected first candidate with rand=0, got %d", chosen.ID)
	}
}

func TestScoreOnlyConsidersBestPriorityTier(t *testing.T) {
	r := &Resolver{rand: func() float64 { return 0.99 }}
	candidates := []*configcache.Provider{
		{ID: 1, Priority: 1, Weight: 50},
		{ID: 2, Priority: 2, Weight: 1000}, // worse tier, must never be chosen
	}
	chosen := r.score(candidates, SelectOptions{})
	if chosen.ID != 1 {
		t.Fatalf("expected provider from best (lowest) priority tier, got %d", chosen.ID)
	}
}

func TestScoreAppliesAffinityBonusToBoundProvider(t *testing.T) {
	// Two equal-weight providers; with rand just above the unbonused first
	// share, only the affinity-boosted provider's expanded share reaches it.
	candidates := []*configcache.Provider{
		{ID: 1, Priority: 1, Weight: 50},
		{ID: 2, Priority: 1, Weight: 50},
	}
	r := &Resolver{rand: func() float64 { return 0.55 }}
	chosen := r.score(candidates, SelectOptions{BoundProviderID: 1})
	if chosen.ID != 1 {
		t.Fatalf("expected affinity bonus to favor bound provider 1, got %d", chosen.ID)
	}
}
