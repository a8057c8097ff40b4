package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"personet/pkg/logger"
)

// ExporterOptions bounds the exported view.
type ExporterOptions struct {
	// SummaryTopN caps the cross-group sobriquet summary.
	SummaryTopN int
	// ImpressionTail caps how many recent impression entries are exported.
	ImpressionTail int
}

// Exporter renders bounded, context-filtered profile views for prompt
// injection. Export is read-only and best-effort: a failing candidate is
// tallied and skipped, never aborting the batch.
type Exporter struct {
	store Store
	names NameProvider
	opts  ExporterOptions
}

func NewExporter(store Store, names NameProvider, opts ExporterOptions) *Exporter {
	return &Exporter{store: store, names: names, opts: opts}
}

// Export builds one record per resolvable candidate NaturalPersonID,
// preserving the caller's candidate order. Candidates without a profile
// produce no record; read failures are counted in Failed.
func (e *Exporter) Export(ctx context.Context, ec ExportContext, candidateIDs []string) (ExportResult, error) {
	if ec.Platform == "" {
		return ExportResult{}, fmt.Errorf("%w: export context requires a platform", ErrValidation)
	}
	for _, d := range ec.Dimensions {
		if !isDimension(d) {
			return ExportResult{}, fmt.Errorf("%w: unknown dimension %q", ErrValidation, d)
		}
	}

	type candidate struct {
		id   string
		p    Profile
		uids []string
	}
	result := ExportResult{Records: map[string]ExportRecord{}}
	loaded := make([]candidate, 0, len(candidateIDs))
	var allUIDs []string
	for _, id := range candidateIDs {
		p, err := e.store.GetProfile(ctx, id, AllDimensions...)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			result.Failed++
			logger.WarnCF("exporter", "candidate read failed", map[string]any{
				"id": shortID(id), "error": err.Error(),
			})
			continue
		}

		uids := p.PlatformAccounts[ec.Platform]
		if ec.UserID != "" {
			filtered := uids[:0:0]
			for _, uid := range uids {
				if uid == ec.UserID {
					filtered = append(filtered, uid)
				}
			}
			uids = filtered
		}
		loaded = append(loaded, candidate{id: id, p: p, uids: uids})
		allUIDs = append(allUIDs, uids...)
	}

	displayNames := e.resolveNames(ctx, ec.Platform, allUIDs)

	for _, c := range loaded {
		rec := e.buildRecord(ec, c.p, c.uids, displayNames)
		result.Records[c.id] = rec
		result.Order = append(result.Order, c.id)
	}
	return result, nil
}

func (e *Exporter) resolveNames(ctx context.Context, platform string, uids []string) map[string]string {
	names := map[string]string{}
	if e.names != nil {
		resolved, err := e.names.PersonNames(ctx, platform, uids)
		if err != nil {
			logger.WarnCF("exporter", "name provider failed", map[string]any{
				"platform": platform, "error": err.Error(),
			})
		} else {
			names = resolved
		}
	}
	for _, uid := range uids {
		if names[uid] == "" {
			names[uid] = fallbackName(uid)
		}
	}
	return names
}

func fallbackName(uid string) string {
	short := uid
	if len(short) > 4 {
		short = short[:4]
	}
	return "User_" + short
}

func (e *Exporter) buildRecord(ec ExportContext, p Profile, uids []string, displayNames map[string]string) ExportRecord {
	all := len(ec.Dimensions) == 0
	var rec ExportRecord

	if (all || ec.wants(DimSobriquets) || ec.wants(DimAccounts)) && len(uids) > 0 {
		groupNick := ""
		if ec.GroupID != "" {
			scope := GroupScope{Platform: ec.Platform, GroupID: ec.GroupID}
			groupNick = topSobriquet(p.SobriquetsByGroup[scope.Key()].Sobriquets)
		}
		accounts := make(map[string]AccountContext, len(uids))
		for _, uid := range uids {
			accounts[uid] = AccountContext{
				GroupNickname:    groupNick,
				PlatformNickname: displayNames[uid],
			}
		}
		rec.CurrentPlatformContext = map[string]map[string]AccountContext{ec.Platform: accounts}
	}
	if all || ec.wants(DimSobriquets) {
		rec.SobriquetSummary = summarizeSobriquets(p.SobriquetsByGroup, e.opts.SummaryTopN)
	}
	if (all || ec.wants(DimIdentity)) && len(p.Identity) > 0 {
		rec.Identity = p.Identity
	}
	if (all || ec.wants(DimPersonality)) && !p.Personality.isEmpty() {
		personality := p.Personality
		rec.Personality = &personality
	}
	if all || ec.wants(DimImpression) {
		rec.Impression = tailImpressions(p.Impression, e.opts.ImpressionTail)
	}
	return rec
}

// topSobriquet picks the highest-count nickname, breaking count ties by
// name so the choice is stable.
func topSobriquet(list []Sobriquet) string {
	best := ""
	bestCount := 0
	for _, s := range list {
		if s.Count > bestCount || (s.Count == bestCount && best != "" && s.Name < best) {
			best, bestCount = s.Name, s.Count
		}
	}
	return best
}

// summarizeSobriquets renders the person's best-known nicknames across
// every group as "name(count)" entries, highest count first. Ties go to
// the nickname seen in the most recently updated group, then by name.
func summarizeSobriquets(byGroup map[string]GroupSobriquets, topN int) string {
	type ranked struct {
		name    string
		count   int
		updated int64
	}
	totals := map[string]*ranked{}
	for _, group := range byGroup {
		for _, s := range group.Sobriquets {
			r, ok := totals[s.Name]
			if !ok {
				r = &ranked{name: s.Name}
				totals[s.Name] = r
			}
			r.count += s.Count
			if group.UpdatedAtMS > r.updated {
				r.updated = group.UpdatedAtMS
			}
		}
	}
	if len(totals) == 0 {
		return ""
	}

	all := make([]*ranked, 0, len(totals))
	for _, r := range totals {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		if all[i].updated != all[j].updated {
			return all[i].updated > all[j].updated
		}
		return all[i].name < all[j].name
	})
	if topN > 0 && len(all) > topN {
		all = all[:topN]
	}

	parts := make([]string, 0, len(all))
	for _, r := range all {
		parts = append(parts, fmt.Sprintf("%s(%d)", r.name, r.count))
	}
	return strings.Join(parts, ", ")
}

func tailImpressions(entries []ImpressionEntry, tail int) []ImpressionEntry {
	if len(entries) == 0 {
		return nil
	}
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	out := make([]ImpressionEntry, len(entries))
	copy(out, entries)
	return out
}
