package profile

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func newTestAggregator(t *testing.T, opts AggregatorOptions) (*ProfileAggregator, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	if opts.TraitMergeMode == "" {
		opts.TraitMergeMode = "average"
	}
	return NewProfileAggregator(store, opts), store
}

func seedProfile(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	if _, err := store.CreateProfileIfAbsent(context.Background(), newProfile(id, nowMS())); err != nil {
		t.Fatalf("seed profile %s: %v", id, err)
	}
}

func TestUpdateSobriquetCounts(t *testing.T) {
	agg, store := newTestAggregator(t, AggregatorOptions{})
	ctx := context.Background()
	seedProfile(t, store, "p1")

	scope := GroupScope{Platform: "qq", GroupID: "g1"}
	for i := 0; i < 3; i++ {
		if err := agg.UpdateSobriquet(ctx, "p1", scope, "大佬", 1); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if err := agg.UpdateSobriquet(ctx, "p1", scope, "阿强", 2); err != nil {
		t.Fatalf("update second name: %v", err)
	}

	p, err := store.GetProfile(ctx, "p1", DimSobriquets)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	group := p.SobriquetsByGroup["qq-g1"]
	if group.UpdatedAtMS == 0 {
		t.Fatal("expected scope timestamp to be set")
	}
	counts := map[string]int{}
	for _, s := range group.Sobriquets {
		counts[s.Name] = s.Count
	}
	if counts["大佬"] != 3 || counts["阿强"] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestUpdateSobriquetValidation(t *testing.T) {
	agg, store := newTestAggregator(t, AggregatorOptions{})
	ctx := context.Background()
	seedProfile(t, store, "p1")
	scope := GroupScope{Platform: "qq", GroupID: "g1"}

	cases := []struct {
		name  string
		scope GroupScope
		nick  string
		delta int
	}{
		{"empty name", scope, "  ", 1},
		{"zero delta", scope, "大佬", 0},
		{"negative delta", scope, "大佬", -1},
		{"missing scope", GroupScope{Platform: "qq"}, "大佬", 1},
	}
	for _, tc := range cases {
		if err := agg.UpdateSobriquet(ctx, "p1", tc.scope, tc.nick, tc.delta); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestUpdateIdentityNonEmptyWins(t *testing.T) {
	agg, store := newTestAggregator(t, AggregatorOptions{})
	ctx := context.Background()
	seedProfile(t, store, "p1")

	if err := agg.UpdateIdentity(ctx, "p1", map[string]string{"location": "Berlin", "occupation": "engineer"}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// empty value must not erase, non-empty overwrites
	if err := agg.UpdateIdentity(ctx, "p1", map[string]string{"location": "", "occupation": "engineer"}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	p, err := store.GetProfile(ctx, "p1", DimIdentity)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Identity["location"] != "Berlin" {
		t.Fatalf("empty value must not erase, got %q", p.Identity["location"])
	}
	if p.Identity["occupation"] != "engineer" {
		t.Fatalf("non-empty value must overwrite, got %q", p.Identity["occupation"])
	}
}

func TestUpdateIdentityUnknownNeverOverwrites(t *testing.T) {
	agg, store := newTestAggregator(t, AggregatorOptions{})
	ctx := context.Background()
	seedProfile(t, store, "p1")

	if err := agg.UpdateIdentity(ctx, "p1", map[string]string{"gender_identity": "female"}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := agg.UpdateIdentity(ctx, "p1", map[string]string{
		"gender_identity": "unknown",
		"location":        "未知",
		"occupation":      "N/A",
	}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	p, err := store.GetProfile(ctx, "p1", DimIdentity)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Identity["gender_identity"] != "female" {
		t.Fatalf("placeholder value must not overwrite, got %q", p.Identity["gender_identity"])
	}
	for _, key := range []string{"location", "occupation"} {
		if _, ok := p.Identity[key]; ok {
			t.Fatalf("placeholder value must not create %q: %v", key, p.Identity)
		}
	}
}

func TestUpdatePersonalityAverage(t *testing.T) {
	agg, store := newTestAggregator(t, AggregatorOptions{TraitMergeMode: "average"})
	ctx := context.Background()
	seedProfile(t, store, "p1")

	if err := agg.UpdatePersonality(ctx, "p1", Personality{Traits: map[string]float64{"humor": 0.8}, Tags: []string{"幽默"}}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := agg.UpdatePersonality(ctx, "p1", Personality{Traits: map[string]float64{"humor": 0.4}, Tags: []string{"幽默", "健谈"}}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	p, err := store.GetProfile(ctx, "p1", DimPersonality)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := p.Personality.Traits["humor"]; math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("expected averaged score 0.6, got %v", got)
	}
	if len(p.Personality.Tags) != 2 {
		t.Fatalf("tags must set-union, got %v", p.Personality.Tags)
	}
}

func TestUpdatePersonalityOverwrite(t *testing.T) {
	agg, store := newTestAggregator(t, AggregatorOptions{TraitMergeMode: "overwrite"})
	ctx := context.Background()
	seedProfile(t, store, "p1")

	if err := agg.UpdatePersonality(ctx, "p1", Personality{Traits: map[string]float64{"humor": 0.8}}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := agg.UpdatePersonality(ctx, "p1", Personality{Traits: map[string]float64{"humor": 0.4}}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	p, err := store.GetProfile(ctx, "p1", DimPersonality)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := p.Personality.Traits["humor"]; got != 0.4 {
		t.Fatalf("expected latest score 0.4, got %v", got)
	}
}

func TestUpdatePersonalityScoreBounds(t *testing.T) {
	agg, store := newTestAggregator(t, AggregatorOptions{})
	seedProfile(t, store, "p1")

	for _, score := range []float64{-0.1, 1.1} {
		err := agg.UpdatePersonality(context.Background(), "p1", Personality{Traits: map[string]float64{"humor": score}})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("score %v: expected ErrValidation, got %v", score, err)
		}
	}
}

func TestAppendImpressionRetention(t *testing.T) {
	agg, store := newTestAggregator(t, AggregatorOptions{Retention: Retention{MaxEntries: 3}})
	ctx := context.Background()
	seedProfile(t, store, "p1")

	for _, text := range []string{"a", "b", "c", "d"} {
		if _, err := agg.AppendImpression(ctx, "p1", text); err != nil {
			t.Fatalf("append %q: %v", text, err)
		}
	}

	p, err := store.GetProfile(ctx, "p1", DimImpression)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(p.Impression) != 3 {
		t.Fatalf("expected 3 entries after retention, got %d", len(p.Impression))
	}
	got := []string{p.Impression[0].Text, p.Impression[1].Text, p.Impression[2].Text}
	want := []string{"b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected oldest-first eviction %v, got %v", want, got)
		}
	}
}

func TestRetentionMaxAge(t *testing.T) {
	now := nowMS()
	entries := []ImpressionEntry{
		{ID: "old", TimestampMS: now - 10*24*time.Hour.Milliseconds()},
		{ID: "fresh", TimestampMS: now - time.Hour.Milliseconds()},
	}
	kept := Retention{MaxAge: 7 * 24 * time.Hour}.Apply(entries, now)
	if len(kept) != 1 || kept[0].ID != "fresh" {
		t.Fatalf("expected only the fresh entry, got %v", kept)
	}
}

func TestSetRelationshipMetric(t *testing.T) {
	agg, store := newTestAggregator(t, AggregatorOptions{})
	ctx := context.Background()
	seedProfile(t, store, "p1")

	if err := agg.SetRelationshipMetric(ctx, "p1", "trust", 0.75); err != nil {
		t.Fatalf("set: %v", err)
	}

	p, err := store.GetProfile(ctx, "p1", DimRelationship)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.RelationshipMetrics["trust"] != 0.75 {
		t.Fatalf("unexpected metric: %v", p.RelationshipMetrics)
	}
}

func TestReadUnknownDimension(t *testing.T) {
	agg, _ := newTestAggregator(t, AggregatorOptions{})

	_, err := agg.Read(context.Background(), "p1", "nope")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
