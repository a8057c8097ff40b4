package profile

import (
	"encoding/json"
	"strings"
	"time"
)

// Dimension names double as persisted column names and as the selector
// vocabulary for projected reads and exports.
const (
	DimAccounts     = "platform_accounts"
	DimSobriquets   = "sobriquets_by_group"
	DimIdentity     = "identity"
	DimPersonality  = "personality"
	DimImpression   = "impression"
	DimRelationship = "relationship_metrics"
)

// AllDimensions lists every profile dimension in persisted order.
var AllDimensions = []string{
	DimAccounts, DimSobriquets, DimIdentity, DimPersonality, DimImpression, DimRelationship,
}

func isDimension(name string) bool {
	for _, d := range AllDimensions {
		if d == name {
			return true
		}
	}
	return false
}

// GroupScope identifies one chat group on one platform.
type GroupScope struct {
	Platform string
	GroupID  string
}

// Key renders the persisted scope key, e.g. "qq-g1".
func (s GroupScope) Key() string {
	return s.Platform + "-" + s.GroupID
}

// Sobriquet is one nickname with its observed usage count.
type Sobriquet struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// GroupSobriquets holds the nicknames observed for a person within one
// group scope. Counts only ever increase.
type GroupSobriquets struct {
	Sobriquets  []Sobriquet `json:"sobriquets"`
	UpdatedAtMS int64       `json:"updated_at_ms"`
}

// Personality carries both supported representations: numeric trait
// scores in [0,1] and free-text tags. They coexist in one profile.
type Personality struct {
	Traits map[string]float64 `json:"traits,omitempty"`
	Tags   []string           `json:"tags,omitempty"`
}

func (p Personality) isEmpty() bool {
	return len(p.Traits) == 0 && len(p.Tags) == 0
}

// ImpressionEntry is one retained interaction note.
type ImpressionEntry struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Retention bounds the impression sequence. Zero values disable the
// corresponding bound.
type Retention struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Apply trims entries to the retention policy, oldest first. Entries are
// assumed to be in append order.
func (r Retention) Apply(entries []ImpressionEntry, nowMS int64) []ImpressionEntry {
	out := entries
	if r.MaxAge > 0 {
		cutoff := nowMS - r.MaxAge.Milliseconds()
		keep := out[:0:0]
		for _, e := range out {
			if e.TimestampMS == 0 || e.TimestampMS >= cutoff {
				keep = append(keep, e)
			}
		}
		out = keep
	}
	if r.MaxEntries > 0 && len(out) > r.MaxEntries {
		out = out[len(out)-r.MaxEntries:]
	}
	return out
}

// Profile is the aggregate document for one natural person. The JSON
// field names are the on-disk and export contract.
type Profile struct {
	ID                  string                     `json:"_id"`
	LegacyRef           string                     `json:"legacy_ref,omitempty"`
	PlatformAccounts    map[string][]string        `json:"platform_accounts"`
	SobriquetsByGroup   map[string]GroupSobriquets `json:"sobriquets_by_group"`
	Identity            map[string]string          `json:"identity"`
	Personality         Personality                `json:"personality"`
	Impression          []ImpressionEntry          `json:"impression"`
	RelationshipMetrics map[string]float64         `json:"relationship_metrics"`
	Revision            int64                      `json:"revision"`
	Tombstoned          bool                       `json:"tombstoned,omitempty"`
	CreatedAtMS         int64                      `json:"created_at_ms"`
	UpdatedAtMS         int64                      `json:"updated_at_ms"`
}

func newProfile(id string, nowMS int64) Profile {
	return Profile{
		ID:                  id,
		PlatformAccounts:    map[string][]string{},
		SobriquetsByGroup:   map[string]GroupSobriquets{},
		Identity:            map[string]string{},
		Personality:         Personality{},
		Impression:          []ImpressionEntry{},
		RelationshipMetrics: map[string]float64{},
		Revision:            1,
		CreatedAtMS:         nowMS,
		UpdatedAtMS:         nowMS,
	}
}

func (p Profile) clone() Profile {
	out := p
	out.PlatformAccounts = map[string][]string{}
	for k, v := range p.PlatformAccounts {
		out.PlatformAccounts[k] = append([]string{}, v...)
	}
	out.SobriquetsByGroup = map[string]GroupSobriquets{}
	for k, v := range p.SobriquetsByGroup {
		out.SobriquetsByGroup[k] = GroupSobriquets{
			Sobriquets:  append([]Sobriquet{}, v.Sobriquets...),
			UpdatedAtMS: v.UpdatedAtMS,
		}
	}
	out.Identity = map[string]string{}
	for k, v := range p.Identity {
		out.Identity[k] = v
	}
	out.Personality = Personality{Tags: append([]string{}, p.Personality.Tags...)}
	if p.Personality.Traits != nil {
		out.Personality.Traits = map[string]float64{}
		for k, v := range p.Personality.Traits {
			out.Personality.Traits[k] = v
		}
	}
	out.Impression = append([]ImpressionEntry{}, p.Impression...)
	out.RelationshipMetrics = map[string]float64{}
	for k, v := range p.RelationshipMetrics {
		out.RelationshipMetrics[k] = v
	}
	return out
}

// normalize repairs nil containers after a JSON round trip so merge code
// never branches on nil.
func (p *Profile) normalize() {
	if p.PlatformAccounts == nil {
		p.PlatformAccounts = map[string][]string{}
	}
	if p.SobriquetsByGroup == nil {
		p.SobriquetsByGroup = map[string]GroupSobriquets{}
	}
	if p.Identity == nil {
		p.Identity = map[string]string{}
	}
	if p.Impression == nil {
		p.Impression = []ImpressionEntry{}
	}
	if p.RelationshipMetrics == nil {
		p.RelationshipMetrics = map[string]float64{}
	}
	if p.Revision <= 0 {
		p.Revision = 1
	}
}

// hasAccount reports whether the (platform, uid) pair is recorded on this
// profile document.
func (p Profile) hasAccount(platform, uid string) bool {
	for _, existing := range p.PlatformAccounts[platform] {
		if existing == uid {
			return true
		}
	}
	return false
}

func (p *Profile) addAccount(platform, uid string) bool {
	if p.hasAccount(platform, uid) {
		return false
	}
	p.PlatformAccounts[platform] = append(p.PlatformAccounts[platform], uid)
	return true
}

// AccountContext is the per-account slice of an export record.
type AccountContext struct {
	GroupNickname    string `json:"group_nickname,omitempty"`
	PlatformNickname string `json:"platform_nickname,omitempty"`
}

// ExportContext scopes an export request to one conversational context.
// UserID, when set, narrows each record's platform context to that one
// account; empty exports every known account on the platform.
type ExportContext struct {
	Platform   string
	UserID     string
	GroupID    string
	Dimensions []string
}

func (c ExportContext) wants(dim string) bool {
	for _, d := range c.Dimensions {
		if strings.EqualFold(d, dim) {
			return true
		}
	}
	return false
}

// ExportRecord is the bounded, context-filtered view of one profile.
// Missing dimensions are omitted entirely, never emitted as nulls.
// CurrentPlatformContext nests per-account contexts: platform → account
// uid → context.
type ExportRecord struct {
	CurrentPlatformContext map[string]map[string]AccountContext `json:"current_platform_context,omitempty"`
	SobriquetSummary       string                               `json:"all_known_sobriquets_summary,omitempty"`
	Identity               map[string]string                    `json:"identity,omitempty"`
	Personality            *Personality                         `json:"personality,omitempty"`
	Impression             []ImpressionEntry                    `json:"impression,omitempty"`
}

// ExportResult carries the records keyed by NaturalPersonID plus a
// tally of candidates dropped because their profile read failed.
type ExportResult struct {
	Records map[string]ExportRecord
	Order   []string
	Failed  int
}

// AnalysisInput is the raw interaction window handed to analysis modules.
type AnalysisInput struct {
	Platform       string
	GroupID        string
	PlatformUserID string
	History        string
	BotReply       string
	// UserNames maps platform user ids visible in the window to their
	// display names, for prompt construction and result filtering.
	UserNames map[string]string
}

func (in AnalysisInput) groupScope() GroupScope {
	return GroupScope{Platform: in.Platform, GroupID: in.GroupID}
}

func encodeJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
