package profile

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
)

func newTestResolver(t *testing.T) (*IdentityResolver, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	resolver := NewIdentityResolver(store, ResolverOptions{
		Salt:           "test-salt",
		IDStrategy:     StrategyAnchor,
		TraitMergeMode: "average",
		Retention:      Retention{MaxEntries: 50},
	})
	return resolver, store
}

func TestResolveOrCreateLegacyStrategy(t *testing.T) {
	store := newTestStore(t)
	r := NewIdentityResolver(store, ResolverOptions{
		Salt:       "test-salt",
		IDStrategy: StrategyLegacy,
	})
	ctx := context.Background()

	id, created, err := r.ResolveOrCreate(ctx, "qq", "111")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh profile")
	}
	if want := r.DeriveLegacyID("qq_111"); id != want {
		t.Fatalf("expected legacy derivation %s, got %s", want, id)
	}

	p, err := store.GetProfile(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.LegacyRef != "qq_111" {
		t.Fatalf("expected legacy ref to be recorded, got %q", p.LegacyRef)
	}
}

func TestDeriveIDDeterministic(t *testing.T) {
	r, _ := newTestResolver(t)

	a := r.DeriveID("qq", "12345")
	b := r.DeriveID("qq", "12345")
	if a != b {
		t.Fatalf("id derivation must be deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == r.DeriveID("telegram", "12345") {
		t.Fatal("different platforms must derive different ids")
	}

	other := NewIdentityResolver(nil, ResolverOptions{Salt: "other-salt"})
	if a == other.DeriveID("qq", "12345") {
		t.Fatal("different salts must derive different ids")
	}
}

func TestResolveOrCreate(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	id, created, err := r.ResolveOrCreate(ctx, "qq", "12345")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !created {
		t.Fatal("expected first contact to create")
	}

	again, created, err := r.ResolveOrCreate(ctx, "qq", "12345")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if created {
		t.Fatal("expected second contact to reuse")
	}
	if again != id {
		t.Fatalf("id changed between calls: %s vs %s", id, again)
	}

	p, err := store.GetProfile(ctx, id, DimAccounts)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if !p.hasAccount("qq", "12345") {
		t.Fatalf("profile missing originating account: %v", p.PlatformAccounts)
	}
}

func TestResolveOrCreateValidation(t *testing.T) {
	r, _ := newTestResolver(t)

	_, _, err := r.ResolveOrCreate(context.Background(), "", "12345")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestResolveOrCreateConcurrent(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, created, err := r.ResolveOrCreate(ctx, "qq", "777")
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			mu.Lock()
			ids[i] = id
			if created {
				createdCount++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got a different id: %s vs %s", i, ids[i], ids[0])
		}
	}
	if createdCount != 1 {
		t.Fatalf("expected exactly one creator, got %d", createdCount)
	}
}

func TestResolveLegacy(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	id, created, err := r.ResolveLegacy(ctx, "person_abc")
	if err != nil {
		t.Fatalf("resolve legacy: %v", err)
	}
	if !created {
		t.Fatal("expected creation")
	}
	if id != r.DeriveLegacyID("person_abc") {
		t.Fatal("legacy resolve must use legacy derivation")
	}

	p, err := store.GetProfile(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.LegacyRef != "person_abc" {
		t.Fatalf("expected legacy ref to be recorded, got %q", p.LegacyRef)
	}

	_, created, err = r.ResolveLegacy(ctx, "person_abc")
	if err != nil {
		t.Fatalf("second resolve legacy: %v", err)
	}
	if created {
		t.Fatal("expected idempotent second call")
	}
}

func TestLinkAccount(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	id, _, err := r.ResolveOrCreate(ctx, "qq", "111")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := r.LinkAccount(ctx, "telegram", "999", id); err != nil {
		t.Fatalf("link: %v", err)
	}
	// re-link to the same profile is a no-op
	if err := r.LinkAccount(ctx, "telegram", "999", id); err != nil {
		t.Fatalf("idempotent link: %v", err)
	}

	p, err := store.GetProfile(ctx, id, DimAccounts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.hasAccount("telegram", "999") {
		t.Fatalf("linked account missing from document: %v", p.PlatformAccounts)
	}

	otherID, _, err := r.ResolveOrCreate(ctx, "qq", "222")
	if err != nil {
		t.Fatalf("resolve other: %v", err)
	}
	err = r.LinkAccount(ctx, "telegram", "999", otherID)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict linking owned account, got %v", err)
	}
}

func TestLinkAccountUnknownProfile(t *testing.T) {
	r, _ := newTestResolver(t)

	err := r.LinkAccount(context.Background(), "qq", "111", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMerge(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	primary, _, err := r.ResolveOrCreate(ctx, "qq", "111")
	if err != nil {
		t.Fatalf("resolve primary: %v", err)
	}
	secondary, _, err := r.ResolveOrCreate(ctx, "qq", "222")
	if err != nil {
		t.Fatalf("resolve secondary: %v", err)
	}

	_, err = store.UpdateProfile(ctx, primary, func(p *Profile) error {
		p.SobriquetsByGroup["qq-g1"] = GroupSobriquets{Sobriquets: []Sobriquet{{Name: "大佬", Count: 2}}}
		p.Identity["location"] = "Berlin"
		p.Personality.Traits = map[string]float64{"humor": 0.8}
		return nil
	})
	if err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	_, err = store.UpdateProfile(ctx, secondary, func(p *Profile) error {
		p.SobriquetsByGroup["qq-g1"] = GroupSobriquets{Sobriquets: []Sobriquet{{Name: "大佬", Count: 3}, {Name: "阿强", Count: 1}}}
		p.Identity["location"] = "Tokyo"
		p.Identity["occupation"] = "engineer"
		p.Personality.Traits = map[string]float64{"humor": 0.4, "patience": 0.6}
		p.Impression = []ImpressionEntry{{ID: "i1", Text: "likes cats", TimestampMS: nowMS()}}
		return nil
	})
	if err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	if err := r.Merge(ctx, primary, secondary); err != nil {
		t.Fatalf("merge: %v", err)
	}

	p, err := store.GetProfile(ctx, primary, AllDimensions...)
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}

	group := p.SobriquetsByGroup["qq-g1"]
	counts := map[string]int{}
	for _, s := range group.Sobriquets {
		counts[s.Name] = s.Count
	}
	if counts["大佬"] != 5 {
		t.Fatalf("sobriquet counts must sum on merge, got %d", counts["大佬"])
	}
	if counts["阿强"] != 1 {
		t.Fatalf("secondary-only sobriquet must carry over, got %d", counts["阿强"])
	}

	if p.Identity["location"] != "Berlin" {
		t.Fatalf("primary identity must win on conflict, got %q", p.Identity["location"])
	}
	if p.Identity["occupation"] != "engineer" {
		t.Fatalf("secondary-only identity must carry over, got %q", p.Identity["occupation"])
	}

	if got := p.Personality.Traits["humor"]; math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("expected averaged trait 0.6, got %v", got)
	}
	if got := p.Personality.Traits["patience"]; got != 0.6 {
		t.Fatalf("secondary-only trait must carry over, got %v", got)
	}
	if len(p.Impression) != 1 || p.Impression[0].Text != "likes cats" {
		t.Fatalf("impressions must carry over, got %v", p.Impression)
	}

	// all secondary accounts now resolve to primary
	owner, ok, err := store.LookupAccount(ctx, "qq", "222")
	if err != nil || !ok {
		t.Fatalf("lookup secondary account: ok=%v err=%v", ok, err)
	}
	if owner != primary {
		t.Fatalf("expected secondary account re-pointed to primary, got %s", owner)
	}

	// secondary document is gone
	if _, err := store.GetProfile(ctx, secondary); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected secondary to be tombstoned, got %v", err)
	}

	// repeated merge reports the tombstoned secondary as missing
	if err := r.Merge(ctx, primary, secondary); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on repeated merge, got %v", err)
	}
}

func TestMergeSelf(t *testing.T) {
	r, _ := newTestResolver(t)

	err := r.Merge(context.Background(), "same", "same")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
