package profile

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// BuildMappingPrompt renders the nickname-mapping analysis prompt from
// one interaction window. userNames maps platform user ids to their
// display names; the bot's own entry should carry the "(你)" marker so
// the model can exclude it.
func BuildMappingPrompt(chatHistory, botReply string, userNames map[string]string) string {
	ids := make([]string, 0, len(userNames))
	for uid, name := range userNames {
		if uid == "" || name == "" {
			continue
		}
		ids = append(ids, uid)
	}
	sort.Strings(ids)

	var users strings.Builder
	for _, uid := range ids {
		fmt.Fprintf(&users, "- %s: %s\n", uid, userNames[uid])
	}
	userList := strings.TrimRight(users.String(), "\n")
	if userList == "" {
		userList = "无"
	}

	return fmt.Sprintf(`任务：仔细分析以下聊天记录和“你的最新回复”，判断其中是否明确提到了某个用户的绰号，并且这个绰号可以清晰地与一个特定的用户 ID 对应起来。

已知用户信息（ID: 名称）：
%s

聊天记录：
---
%s
---

你的最新回复：
%s

分析要求与输出格式：
1.  找出聊天记录和“你的最新回复”中可能是用户绰号的词语。
2.  判断这些绰号是否在上下文中**清晰、无歧义**地指向了“已知用户信息”列表中的**某一个特定用户 ID**。必须是强关联，避免猜测。
3.  **不要**输出你自己（名称后带"(你)"的用户）的绰号映射。
    **不要**输出与用户已知名称完全相同的词语作为绰号。
    **不要**将在“你的最新回复”中你对他人使用的称呼或绰号进行映射（只分析聊天记录中他人对用户的称呼）。
    **不要**输出指代不明或过于通用的词语（如“大佬”、“兄弟”、“那个谁”等，除非上下文能非常明确地指向特定用户）。
4.  如果找到了**至少一个**明确的用户 ID 到绰号的映射关系，请输出 JSON 对象：
    {"is_exist": true, "data": {"用户A数字id": "绰号_A"}}
    只包含你能**百分百确认**映射关系的条目。宁缺毋滥。
    如果**无法找到任何一个**满足条件的明确映射关系，请输出：
    {"is_exist": false}
5.  请**仅**输出 JSON 对象，不要包含任何额外的解释、注释或代码块标记之外的文本。

输出：
`, userList, chatHistory, botReply)
}

// MappingResult is the parsed nickname-mapping verdict.
type MappingResult struct {
	Exists bool              `json:"is_exist"`
	Data   map[string]string `json:"data,omitempty"`
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	braceJSONRe  = regexp.MustCompile(`(?s)(\{.*\})`)
)

// ParseMappingResponse extracts the JSON verdict from a raw model
// response, tolerating markdown fences and surrounding prose. Anything
// unparseable collapses to a negative result with an error.
func ParseMappingResponse(raw string) (MappingResult, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MappingResult{}, fmt.Errorf("empty mapping response")
	}

	var jsonStr string
	if m := fencedJSONRe.FindStringSubmatch(trimmed); m != nil {
		jsonStr = strings.TrimSpace(m[1])
	} else if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		jsonStr = trimmed
	} else if m := braceJSONRe.FindStringSubmatch(trimmed); m != nil {
		jsonStr = strings.TrimSpace(m[1])
	} else {
		return MappingResult{}, fmt.Errorf("mapping response contains no JSON object")
	}

	var result MappingResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return MappingResult{}, fmt.Errorf("decode mapping response: %w", err)
	}
	if !result.Exists {
		result.Data = nil
	}
	return result, nil
}

// MappingFilter drops unusable nickname mappings before they reach
// storage.
type MappingFilter struct {
	BotUserID string
	BotName   string
	MinLength int
	MaxLength int
}

// Apply filters a raw uid-to-nickname map: the bot's own entry, blank
// names, names identical to the user's known display name and names
// outside the length bounds are all discarded. Lengths count runes.
func (f MappingFilter) Apply(data, userNames map[string]string) map[string]string {
	filtered := map[string]string{}
	for uid, name := range data {
		if uid == "" {
			continue
		}
		display := userNames[uid]
		if f.BotUserID != "" && uid == f.BotUserID &&
			(strings.Contains(display, "(你)") || display == f.BotName) {
			continue
		}
		cleaned := strings.TrimSpace(name)
		if cleaned == "" || cleaned == display {
			continue
		}
		n := utf8.RuneCountInString(cleaned)
		if f.MinLength > 0 && n < f.MinLength {
			continue
		}
		if f.MaxLength > 0 && n > f.MaxLength {
			continue
		}
		filtered[uid] = cleaned
	}
	return filtered
}

// PromptSobriquet is one nickname candidate for prompt injection.
type PromptSobriquet struct {
	UserName string
	UserID   string
	Name     string
	Count    int
}

// UserSobriquets carries one user's nicknames in the current group.
type UserSobriquets struct {
	UserName   string
	UserID     string
	Sobriquets []Sobriquet
}

// SelectOptions tunes the weighted nickname selection.
type SelectOptions struct {
	MaxInPrompt int
	Smoothing   float64
	// Rand overrides the randomness source; nil uses the global source.
	Rand *rand.Rand
}

// SelectSobriquetsForPrompt picks up to MaxInPrompt nicknames across the
// given users, weighted by usage count plus smoothing so rare names
// still surface occasionally. The result is sorted by count descending.
func SelectSobriquetsForPrompt(users []UserSobriquets, opts SelectOptions) []PromptSobriquet {
	var candidates []PromptSobriquet
	var weights []float64
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		for _, s := range u.Sobriquets {
			if s.Name == "" || s.Count <= 0 {
				continue
			}
			candidates = append(candidates, PromptSobriquet{
				UserName: u.UserName, UserID: u.UserID, Name: s.Name, Count: s.Count,
			})
			weights = append(weights, float64(s.Count)+opts.Smoothing)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	k := opts.MaxInPrompt
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}

	selected := weightedSampleWithoutReplacement(candidates, weights, k, opts.Rand)
	if len(selected) < k {
		// Top up with the most-used leftovers.
		chosen := map[PromptSobriquet]struct{}{}
		for _, s := range selected {
			chosen[s] = struct{}{}
		}
		rest := make([]PromptSobriquet, 0, len(candidates))
		for _, c := range candidates {
			if _, ok := chosen[c]; !ok {
				rest = append(rest, c)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool { return rest[i].Count > rest[j].Count })
		selected = append(selected, rest[:k-len(selected)]...)
	}

	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Count > selected[j].Count })
	return selected
}

// weightedSampleWithoutReplacement draws k items without replacement
// using exponential keys: each item gets key Exp(1)/weight and the k
// smallest keys win. Heavier items draw smaller keys more often.
func weightedSampleWithoutReplacement(items []PromptSobriquet, weights []float64, k int, rng *rand.Rand) []PromptSobriquet {
	if k <= 0 {
		return nil
	}
	if k >= len(items) {
		return append([]PromptSobriquet{}, items...)
	}

	expFloat := rand.ExpFloat64
	if rng != nil {
		expFloat = rng.ExpFloat64
	}

	type keyed struct {
		key float64
		idx int
	}
	keys := make([]keyed, len(items))
	for i := range items {
		w := weights[i]
		if w <= 0 {
			keys[i] = keyed{key: math.Inf(1), idx: i}
			continue
		}
		keys[i] = keyed{key: expFloat() / w, idx: i}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key < keys[j].key })

	out := make([]PromptSobriquet, 0, k)
	for _, kk := range keys[:k] {
		out = append(out, items[kk.idx])
	}
	return out
}

// FormatSobriquetInjection renders selected nicknames as the prompt
// block injected ahead of a reply, grouped per user. Returns "" when
// there is nothing to say.
func FormatSobriquetInjection(selected []PromptSobriquet) string {
	if len(selected) == 0 {
		return ""
	}

	type userKey struct{ name, uid string }
	order := []userKey{}
	grouped := map[userKey][]string{}
	for _, s := range selected {
		key := userKey{s.UserName, s.UserID}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], "“"+s.Name+"”")
	}

	lines := []string{"以下是聊天记录中一些成员在本群的绰号信息（按常用度排序）与 uid 信息，供你参考："}
	for _, key := range order {
		lines = append(lines, fmt.Sprintf("- %s(%s)，ta 可能被称为：%s", key.name, key.uid, strings.Join(grouped[key], "、")))
	}
	return strings.Join(lines, "\n") + "\n"
}
