package profile

import "context"

// Store provides durable persistence for profile documents and the
// account-link index. Implementations must make CreateProfileIfAbsent and
// LinkAccountIfAbsent atomic, and UpdateProfile a linearizable
// read-modify-write of one document.
type Store interface {
	Close() error

	GetProfile(ctx context.Context, id string, fields ...string) (Profile, error)
	CreateProfileIfAbsent(ctx context.Context, p Profile) (bool, error)
	UpdateProfile(ctx context.Context, id string, mutate func(*Profile) error) (Profile, error)
	TombstoneProfile(ctx context.Context, id string) error
	ListProfileIDs(ctx context.Context) ([]string, error)

	LookupAccount(ctx context.Context, platform, platformUserID string) (string, bool, error)
	LinkAccountIfAbsent(ctx context.Context, platform, platformUserID, profileID string) (bool, error)
	ReassignAccounts(ctx context.Context, fromProfileID, toProfileID string) error

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// Extractor is the opaque external analysis call (LLM or heuristic).
// Each module builds its own prompt and parses the raw response; the
// engine never embeds model-specific logic.
type Extractor func(ctx context.Context, prompt string) (string, error)

// NameProvider resolves platform display names for export. A nil
// provider falls back to uid-derived labels.
type NameProvider interface {
	PersonNames(ctx context.Context, platform string, platformUserIDs []string) (map[string]string, error)
}
