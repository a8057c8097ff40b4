package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"personet/pkg/logger"
)

// Module names, also the metric labels and enable-flag keys.
const (
	ModuleSobriquet   = "sobriquet"
	ModuleIdentity    = "identity"
	ModulePersonality = "personality"
	ModuleImpression  = "impression"
)

// SobriquetModule maps nicknames mentioned in chat to user ids and
// bumps their per-group counts.
type SobriquetModule struct {
	resolver   *IdentityResolver
	aggregator *ProfileAggregator
	extract    Extractor
	filter     MappingFilter
}

func NewSobriquetModule(resolver *IdentityResolver, aggregator *ProfileAggregator, extract Extractor, filter MappingFilter) *SobriquetModule {
	return &SobriquetModule{resolver: resolver, aggregator: aggregator, extract: extract, filter: filter}
}

func (m *SobriquetModule) Name() string { return ModuleSobriquet }

func (m *SobriquetModule) Analyze(ctx context.Context, input AnalysisInput) error {
	prompt := BuildMappingPrompt(input.History, input.BotReply, input.UserNames)
	raw, err := m.extract(ctx, prompt)
	if err != nil {
		return fmt.Errorf("sobriquet extraction: %w", err)
	}
	result, err := ParseMappingResponse(raw)
	if err != nil {
		return err
	}
	if !result.Exists || len(result.Data) == 0 {
		return nil
	}

	mappings := m.filter.Apply(result.Data, input.UserNames)
	if len(mappings) == 0 {
		logger.DebugC("sobriquet", "all nickname mappings filtered out")
		return nil
	}

	scope := input.groupScope()
	for uid, name := range mappings {
		id, _, err := m.resolver.ResolveOrCreate(ctx, input.Platform, uid)
		if err != nil {
			return fmt.Errorf("resolve %s/%s: %w", input.Platform, uid, err)
		}
		if err := m.aggregator.UpdateSobriquet(ctx, id, scope, name, 1); err != nil {
			return fmt.Errorf("update sobriquet %q: %w", name, err)
		}
	}
	logger.InfoCF("sobriquet", "recorded nickname mappings", map[string]any{
		"scope": scope.Key(), "count": len(mappings),
	})
	return nil
}

// IdentityModule extracts stable identity facts (location, occupation
// and similar) stated by the person themselves.
type IdentityModule struct {
	resolver   *IdentityResolver
	aggregator *ProfileAggregator
	extract    Extractor
}

func NewIdentityModule(resolver *IdentityResolver, aggregator *ProfileAggregator, extract Extractor) *IdentityModule {
	return &IdentityModule{resolver: resolver, aggregator: aggregator, extract: extract}
}

func (m *IdentityModule) Name() string { return ModuleIdentity }

func (m *IdentityModule) Analyze(ctx context.Context, input AnalysisInput) error {
	prompt := fmt.Sprintf(`任务：从以下聊天记录中提取用户 %s 亲口陈述的身份信息（如所在地、职业、年龄段）。只提取本人明确说明的事实，不要推测。

聊天记录：
---
%s
---

输出 JSON 对象，键为身份字段名（英文小写，如 "location"、"occupation"），值为对应内容。没有可提取的信息时输出 {}。请仅输出 JSON。`,
		input.PlatformUserID, input.History)

	raw, err := m.extract(ctx, prompt)
	if err != nil {
		return fmt.Errorf("identity extraction: %w", err)
	}
	fields, err := parseJSONObject[string](raw)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	id, _, err := m.resolver.ResolveOrCreate(ctx, input.Platform, input.PlatformUserID)
	if err != nil {
		return err
	}
	return m.aggregator.UpdateIdentity(ctx, id, fields)
}

// PersonalityModule scores personality traits and collects free-text
// tags from observed behavior.
type PersonalityModule struct {
	resolver   *IdentityResolver
	aggregator *ProfileAggregator
	extract    Extractor
}

func NewPersonalityModule(resolver *IdentityResolver, aggregator *ProfileAggregator, extract Extractor) *PersonalityModule {
	return &PersonalityModule{resolver: resolver, aggregator: aggregator, extract: extract}
}

func (m *PersonalityModule) Name() string { return ModulePersonality }

func (m *PersonalityModule) Analyze(ctx context.Context, input AnalysisInput) error {
	prompt := fmt.Sprintf(`任务：根据以下聊天记录评估用户 %s 表现出的性格特征。

聊天记录：
---
%s
---

输出 JSON 对象：{"traits": {"特征名": 0到1之间的分数}, "tags": ["简短性格标签"]}。证据不足时输出 {}。请仅输出 JSON。`,
		input.PlatformUserID, input.History)

	raw, err := m.extract(ctx, prompt)
	if err != nil {
		return fmt.Errorf("personality extraction: %w", err)
	}

	jsonStr, ok := extractJSONObject(raw)
	if !ok {
		return fmt.Errorf("personality response contains no JSON object")
	}
	var obs Personality
	if err := json.Unmarshal([]byte(jsonStr), &obs); err != nil {
		return fmt.Errorf("decode personality response: %w", err)
	}
	if obs.isEmpty() {
		return nil
	}

	id, _, err := m.resolver.ResolveOrCreate(ctx, input.Platform, input.PlatformUserID)
	if err != nil {
		return err
	}
	return m.aggregator.UpdatePersonality(ctx, id, obs)
}

// ImpressionModule condenses one interaction window into a short note
// of what the person said or did.
type ImpressionModule struct {
	resolver   *IdentityResolver
	aggregator *ProfileAggregator
	extract    Extractor
}

func NewImpressionModule(resolver *IdentityResolver, aggregator *ProfileAggregator, extract Extractor) *ImpressionModule {
	return &ImpressionModule{resolver: resolver, aggregator: aggregator, extract: extract}
}

func (m *ImpressionModule) Name() string { return ModuleImpression }

func (m *ImpressionModule) Analyze(ctx context.Context, input AnalysisInput) error {
	prompt := fmt.Sprintf(`任务：用一句话总结用户 %s 在以下聊天中给你留下的印象，包括谈论的话题和态度。

聊天记录：
---
%s
---

你的最新回复：
%s

直接输出这句话，不要任何额外说明。没有值得记录的内容时输出空字符串。`,
		input.PlatformUserID, input.History, input.BotReply)

	raw, err := m.extract(ctx, prompt)
	if err != nil {
		return fmt.Errorf("impression extraction: %w", err)
	}
	note := strings.TrimSpace(raw)
	if note == "" {
		return nil
	}

	id, _, err := m.resolver.ResolveOrCreate(ctx, input.Platform, input.PlatformUserID)
	if err != nil {
		return err
	}
	_, err = m.aggregator.AppendImpression(ctx, id, note)
	return err
}

// extractJSONObject pulls the first JSON object out of a raw response,
// tolerating markdown fences.
func extractJSONObject(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if m := fencedJSONRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed, true
	}
	if m := braceJSONRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

func parseJSONObject[V any](raw string) (map[string]V, error) {
	jsonStr, ok := extractJSONObject(raw)
	if !ok {
		return nil, fmt.Errorf("response contains no JSON object")
	}
	var out map[string]V
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return nil, fmt.Errorf("decode response object: %w", err)
	}
	return out, nil
}
