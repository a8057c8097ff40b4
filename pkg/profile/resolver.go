package profile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"personet/pkg/logger"
)

// ID derivation strategies. The anchor strategy hashes the first-seen
// platform account; legacy reproduces ids minted from an external
// person-info reference so existing databases keep their keys.
const (
	StrategyAnchor = "anchor"
	StrategyLegacy = "legacy"
)

// ResolverOptions configures id derivation and merge behavior.
type ResolverOptions struct {
	Salt           string
	IDStrategy     string
	TraitMergeMode string
	Retention      Retention
}

// IdentityResolver owns the account-to-person mapping: stable id
// derivation, atomic first-contact registration, explicit account links
// and profile merges.
type IdentityResolver struct {
	store Store
	opts  ResolverOptions

	// per-id mutexes serialize merges touching the same documents
	locks sync.Map
}

func NewIdentityResolver(store Store, opts ResolverOptions) *IdentityResolver {
	if opts.IDStrategy == "" {
		opts.IDStrategy = StrategyAnchor
	}
	return &IdentityResolver{store: store, opts: opts}
}

// DeriveID computes the NaturalPersonID for a platform account under the
// anchor strategy. Deterministic for a fixed salt.
func (r *IdentityResolver) DeriveID(platform, platformUserID string) string {
	sum := sha256.Sum256([]byte(r.opts.Salt + "|" + platform + "|" + platformUserID))
	return hex.EncodeToString(sum[:])
}

// DeriveLegacyID computes the id for an external person-info reference.
func (r *IdentityResolver) DeriveLegacyID(legacyRef string) string {
	sum := sha256.Sum256([]byte(r.opts.Salt + "-" + legacyRef))
	return hex.EncodeToString(sum[:])
}

// ResolveOrCreate returns the NaturalPersonID owning the account,
// creating and linking a fresh profile on first contact. The returned
// flag reports whether a new profile was created by this call. Under
// concurrent first contact exactly one caller creates; everyone gets the
// same id.
func (r *IdentityResolver) ResolveOrCreate(ctx context.Context, platform, platformUserID string) (string, bool, error) {
	if platform == "" || platformUserID == "" {
		return "", false, fmt.Errorf("%w: platform and platform_user_id are required", ErrValidation)
	}

	if id, ok, err := r.store.LookupAccount(ctx, platform, platformUserID); err != nil {
		return "", false, err
	} else if ok {
		return id, false, nil
	}

	var id, legacyRef string
	if r.opts.IDStrategy == StrategyLegacy {
		legacyRef = platform + "_" + platformUserID
		id = r.DeriveLegacyID(legacyRef)
	} else {
		id = r.DeriveID(platform, platformUserID)
	}

	p := newProfile(id, nowMS())
	p.LegacyRef = legacyRef
	p.addAccount(platform, platformUserID)
	created, err := r.store.CreateProfileIfAbsent(ctx, p)
	if err != nil {
		return "", false, err
	}

	inserted, err := r.store.LinkAccountIfAbsent(ctx, platform, platformUserID, id)
	if err != nil {
		return "", false, err
	}
	if !inserted {
		// Lost the link race, or the account was re-pointed by an earlier
		// merge. The index row is authoritative.
		winner, ok, err := r.store.LookupAccount(ctx, platform, platformUserID)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, fmt.Errorf("%w: account link vanished for %s/%s", ErrStorage, platform, platformUserID)
		}
		if created && winner != id {
			_ = r.store.TombstoneProfile(ctx, id)
		}
		return winner, false, nil
	}

	if created {
		logger.InfoCF("resolver", "created profile", map[string]any{
			"id": shortID(id), "platform": platform, "uid": platformUserID,
		})
		_ = r.store.AddMetric(ctx, "profile_created", 1, map[string]string{"platform": platform})
	}
	return id, created, nil
}

// ResolveLegacy returns the id for an external person-info reference,
// creating the profile if absent. No account link is made; callers link
// platform accounts explicitly.
func (r *IdentityResolver) ResolveLegacy(ctx context.Context, legacyRef string) (string, bool, error) {
	if legacyRef == "" {
		return "", false, fmt.Errorf("%w: legacy reference is required", ErrValidation)
	}
	id := r.DeriveLegacyID(legacyRef)
	p := newProfile(id, nowMS())
	p.LegacyRef = legacyRef
	created, err := r.store.CreateProfileIfAbsent(ctx, p)
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

// LinkAccount attaches an additional platform account to an existing
// profile. Linking an account already owned by another person returns
// ErrConflict; re-linking to the same person is a no-op.
func (r *IdentityResolver) LinkAccount(ctx context.Context, platform, platformUserID, profileID string) error {
	if platform == "" || platformUserID == "" || profileID == "" {
		return fmt.Errorf("%w: platform, platform_user_id and profile id are required", ErrValidation)
	}
	if _, err := r.store.GetProfile(ctx, profileID); err != nil {
		return err
	}

	inserted, err := r.store.LinkAccountIfAbsent(ctx, platform, platformUserID, profileID)
	if err != nil {
		return err
	}
	if !inserted {
		owner, ok, err := r.store.LookupAccount(ctx, platform, platformUserID)
		if err != nil {
			return err
		}
		if ok && owner == profileID {
			return nil
		}
		return fmt.Errorf("%w: account %s/%s already linked to another person", ErrConflict, platform, platformUserID)
	}

	_, err = r.store.UpdateProfile(ctx, profileID, func(p *Profile) error {
		p.addAccount(platform, platformUserID)
		return nil
	})
	return err
}

// Merge folds the secondary profile into the primary, re-points all of
// the secondary's account links and tombstones it. A repeated merge of
// the same pair returns ErrNotFound for the already-tombstoned secondary.
func (r *IdentityResolver) Merge(ctx context.Context, primaryID, secondaryID string) error {
	if primaryID == secondaryID {
		return fmt.Errorf("%w: cannot merge a profile into itself", ErrValidation)
	}

	// Lock both documents in id order so concurrent merges over
	// overlapping pairs cannot deadlock.
	first, second := primaryID, secondaryID
	if second < first {
		first, second = second, first
	}
	mu1 := r.lockFor(first)
	mu2 := r.lockFor(second)
	mu1.Lock()
	defer mu1.Unlock()
	mu2.Lock()
	defer mu2.Unlock()

	secondary, err := r.store.GetProfile(ctx, secondaryID, AllDimensions...)
	if err != nil {
		return err
	}
	if _, err := r.store.GetProfile(ctx, primaryID); err != nil {
		return err
	}

	if _, err := r.store.UpdateProfile(ctx, primaryID, func(p *Profile) error {
		mergeInto(p, secondary, r.opts.TraitMergeMode, r.opts.Retention)
		return nil
	}); err != nil {
		return err
	}

	if err := r.store.ReassignAccounts(ctx, secondaryID, primaryID); err != nil {
		return err
	}
	if err := r.store.TombstoneProfile(ctx, secondaryID); err != nil {
		return err
	}

	logger.InfoCF("resolver", "merged profiles", map[string]any{
		"primary": shortID(primaryID), "secondary": shortID(secondaryID),
	})
	_ = r.store.AddMetric(ctx, "profile_merged", 1, nil)
	return nil
}

// mergeInto unions every dimension of src into dst. Counts add, primary
// values win on scalar conflicts, impressions interleave by timestamp.
func mergeInto(dst *Profile, src Profile, traitMode string, retention Retention) {
	for platform, uids := range src.PlatformAccounts {
		for _, uid := range uids {
			dst.addAccount(platform, uid)
		}
	}

	for scope, group := range src.SobriquetsByGroup {
		merged := dst.SobriquetsByGroup[scope]
		for _, sob := range group.Sobriquets {
			merged.Sobriquets = bumpSobriquet(merged.Sobriquets, sob.Name, sob.Count)
		}
		if group.UpdatedAtMS > merged.UpdatedAtMS {
			merged.UpdatedAtMS = group.UpdatedAtMS
		}
		dst.SobriquetsByGroup[scope] = merged
	}

	for key, val := range src.Identity {
		if isUnknownValue(val) {
			continue
		}
		if dst.Identity[key] == "" {
			dst.Identity[key] = val
		}
	}

	dst.Personality.Traits = mergeTraits(dst.Personality.Traits, src.Personality.Traits, traitMode)
	dst.Personality.Tags = unionTags(dst.Personality.Tags, src.Personality.Tags)

	dst.Impression = append(dst.Impression, src.Impression...)
	sort.SliceStable(dst.Impression, func(i, j int) bool {
		return dst.Impression[i].TimestampMS < dst.Impression[j].TimestampMS
	})
	dst.Impression = retention.Apply(dst.Impression, nowMS())

	for key, val := range src.RelationshipMetrics {
		if _, ok := dst.RelationshipMetrics[key]; !ok {
			dst.RelationshipMetrics[key] = val
		}
	}

	if dst.LegacyRef == "" {
		dst.LegacyRef = src.LegacyRef
	}
	if src.CreatedAtMS > 0 && src.CreatedAtMS < dst.CreatedAtMS {
		dst.CreatedAtMS = src.CreatedAtMS
	}
}

// bumpSobriquet adds delta to the named sobriquet, appending it when new.
func bumpSobriquet(list []Sobriquet, name string, delta int) []Sobriquet {
	for i := range list {
		if list[i].Name == name {
			list[i].Count += delta
			return list
		}
	}
	return append(list, Sobriquet{Name: name, Count: delta})
}

func mergeTraits(dst, src map[string]float64, mode string) map[string]float64 {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = map[string]float64{}
	}
	for key, val := range src {
		if existing, ok := dst[key]; ok {
			if mode == "overwrite" {
				continue // primary wins
			}
			dst[key] = (existing + val) / 2
		} else {
			dst[key] = val
		}
	}
	return dst
}

func unionTags(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, t := range dst {
		seen[t] = struct{}{}
	}
	for _, t := range src {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		dst = append(dst, t)
	}
	return dst
}

func (r *IdentityResolver) lockFor(id string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
