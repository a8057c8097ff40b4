package profile

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AggregatorOptions carries the tunables for dimension updates.
type AggregatorOptions struct {
	TraitMergeMode string
	Retention      Retention
}

// ProfileAggregator applies dimension-specific merge rules to stored
// profiles. Every mutation is a single linearizable read-modify-write
// and bumps the document revision.
type ProfileAggregator struct {
	store Store
	opts  AggregatorOptions
}

func NewProfileAggregator(store Store, opts AggregatorOptions) *ProfileAggregator {
	return &ProfileAggregator{store: store, opts: opts}
}

// Read returns the profile projected to the requested dimensions, or all
// of them when none are named.
func (a *ProfileAggregator) Read(ctx context.Context, id string, fields ...string) (Profile, error) {
	for _, f := range fields {
		if !isDimension(f) {
			return Profile{}, fmt.Errorf("%w: unknown dimension %q", ErrValidation, f)
		}
	}
	return a.store.GetProfile(ctx, id, fields...)
}

// UpdateSobriquet records delta observations of a nickname within one
// group scope. Counts only ever grow.
func (a *ProfileAggregator) UpdateSobriquet(ctx context.Context, id string, scope GroupScope, name string, delta int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty sobriquet", ErrValidation)
	}
	if delta <= 0 {
		return fmt.Errorf("%w: sobriquet delta must be positive", ErrValidation)
	}
	if scope.Platform == "" || scope.GroupID == "" {
		return fmt.Errorf("%w: sobriquet scope requires platform and group id", ErrValidation)
	}

	_, err := a.store.UpdateProfile(ctx, id, func(p *Profile) error {
		key := scope.Key()
		group := p.SobriquetsByGroup[key]
		group.Sobriquets = bumpSobriquet(group.Sobriquets, name, delta)
		group.UpdatedAtMS = nowMS()
		p.SobriquetsByGroup[key] = group
		return nil
	})
	return err
}

// UpdateIdentity folds extracted identity facts into the profile.
// Known incoming values overwrite; empty or unknown-placeholder values
// never erase what is already known.
func (a *ProfileAggregator) UpdateIdentity(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := a.store.UpdateProfile(ctx, id, func(p *Profile) error {
		for key, val := range fields {
			val = strings.TrimSpace(val)
			if key == "" || isUnknownValue(val) {
				continue
			}
			p.Identity[key] = val
		}
		return nil
	})
	return err
}

// isUnknownValue reports placeholder values extractors emit when they
// could not determine an attribute.
func isUnknownValue(v string) bool {
	switch strings.ToLower(v) {
	case "", "unknown", "n/a", "none", "未知":
		return true
	}
	return false
}

// UpdatePersonality merges an observation into the stored personality.
// Trait scores must lie in [0,1]; tags are set-unioned.
func (a *ProfileAggregator) UpdatePersonality(ctx context.Context, id string, obs Personality) error {
	if obs.isEmpty() {
		return nil
	}
	for trait, score := range obs.Traits {
		if score < 0 || score > 1 {
			return fmt.Errorf("%w: trait %q score %v outside [0,1]", ErrValidation, trait, score)
		}
	}

	_, err := a.store.UpdateProfile(ctx, id, func(p *Profile) error {
		if len(obs.Traits) > 0 {
			if p.Personality.Traits == nil {
				p.Personality.Traits = map[string]float64{}
			}
			for trait, score := range obs.Traits {
				if existing, ok := p.Personality.Traits[trait]; ok && a.opts.TraitMergeMode == "average" {
					p.Personality.Traits[trait] = (existing + score) / 2
				} else {
					p.Personality.Traits[trait] = score
				}
			}
		}
		p.Personality.Tags = unionTags(p.Personality.Tags, obs.Tags)
		return nil
	})
	return err
}

// AppendImpression appends a timestamped note and enforces the retention
// policy, evicting the oldest entries first.
func (a *ProfileAggregator) AppendImpression(ctx context.Context, id, text string) (ImpressionEntry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ImpressionEntry{}, fmt.Errorf("%w: empty impression", ErrValidation)
	}
	entry := ImpressionEntry{
		ID:          uuid.NewString(),
		Text:        text,
		TimestampMS: nowMS(),
	}
	_, err := a.store.UpdateProfile(ctx, id, func(p *Profile) error {
		p.Impression = a.opts.Retention.Apply(append(p.Impression, entry), entry.TimestampMS)
		return nil
	})
	if err != nil {
		return ImpressionEntry{}, err
	}
	return entry, nil
}

// SetRelationshipMetric stores a caller-computed relationship score
// verbatim. The engine does not interpret these values.
func (a *ProfileAggregator) SetRelationshipMetric(ctx context.Context, id, key string, value float64) error {
	if key == "" {
		return fmt.Errorf("%w: empty relationship metric key", ErrValidation)
	}
	_, err := a.store.UpdateProfile(ctx, id, func(p *Profile) error {
		p.RelationshipMetrics[key] = value
		return nil
	})
	return err
}
