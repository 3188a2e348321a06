// Package context implements ContextBuilder: assembles a token-budgeted
// prompt from retrieved memories and recent conversation turns (spec
// §4.11). Direct Go port of original_source/recall/retrieval/
// context_builder.py's token-estimate formula and greedy truncation/
// ellipsis acceptance threshold.
package context

import (
	"fmt"
	"strings"

	"github.com/recallsystems/recall/internal/retrieve"
)

// charsPerTokenCJK / charsPerTokenASCII mirror context_builder.py's
// char_per_token_zh=2 / char_per_token_en=4 constants directly: a CJK
// char costs 0.5 tokens and an ASCII char 0.25 tokens, per spec §4.11.
const (
	charsPerTokenCJK   = 2
	charsPerTokenASCII = 4
	minTailChars       = 50 // below this, a truncated tail is dropped entirely
)

// Turn is one recent-conversation message.
type Turn struct {
	Role    string
	Content string
}

// Built is the assembled, token-budgeted context.
type Built struct {
	SystemPrompt string
	MemorySection string
	RecentTurns   string
	TotalTokens   int
	MemoryCount   int
	TurnsCount    int
}

// ToPrompt renders the sections into a single prompt string, matching
// context_builder.py's BuiltContext.to_prompt().
func (b Built) ToPrompt() string {
	var parts []string
	if b.SystemPrompt != "" {
		parts = append(parts, b.SystemPrompt)
	}
	if b.MemorySection != "" {
		parts = append(parts, "\n<memories>\n"+b.MemorySection+"\n</memories>")
	}
	if b.RecentTurns != "" {
		parts = append(parts, "\n<recent_conversation>\n"+b.RecentTurns+"\n</recent_conversation>")
	}
	return strings.Join(parts, "\n")
}

// Config tunes the memory/turns token split.
type Config struct {
	MaxTokens   int
	MemoryRatio float64 // fraction of remaining budget given to memories
}

// DefaultConfig matches context_builder.py's ContextBuilder(max_tokens=4000)
// default and the 0.5 memory/turns split build() falls back to.
func DefaultConfig() Config {
	return Config{MaxTokens: 4000, MemoryRatio: 0.5}
}

// Builder assembles BuiltContext values under a Config's token budget.
type Builder struct {
	cfg Config
}

// New builds a Builder; a zero-value MemoryRatio defaults to 0.5 and a
// zero-value MaxTokens defaults to 4000.
func New(cfg Config) *Builder {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.MemoryRatio <= 0 {
		cfg.MemoryRatio = 0.5
	}
	return &Builder{cfg: cfg}
}

// Build assembles memories and recentTurns into a Built context, with
// systemPrompt and query each charged against the token budget before the
// memory/turns split.
func (b *Builder) Build(memories []retrieve.Result, recentTurns []Turn, systemPrompt, query string) Built {
	systemTokens := estimateTokens(systemPrompt)
	queryTokens := estimateTokens(query)

	remaining := b.cfg.MaxTokens - systemTokens - queryTokens
	if remaining < 0 {
		remaining = 0
	}
	memoryBudget := int(float64(remaining) * b.cfg.MemoryRatio)
	turnsBudget := remaining - memoryBudget

	memorySection := buildMemorySection(memories, memoryBudget)
	turnsSection := buildTurnsSection(recentTurns, turnsBudget)

	total := systemTokens + estimateTokens(memorySection) + estimateTokens(turnsSection)

	return Built{
		SystemPrompt:  systemPrompt,
		MemorySection: memorySection,
		RecentTurns:   turnsSection,
		TotalTokens:   total,
		MemoryCount:   len(memories),
		TurnsCount:    len(recentTurns),
	}
}

// buildMemorySection greedily appends "• content" bullet lines (assuming
// memories already arrive ranked by relevance) until the next item would
// overflow budget, then accepts a truncated tail only if at least
// minTailChars of it fit.
func buildMemorySection(memories []retrieve.Result, budget int) string {
	if len(memories) == 0 {
		return ""
	}
	var lines []string
	current := 0

	for _, m := range memories {
		content := m.Content
		if len(m.MatchedEntities) > 0 {
			top := m.MatchedEntities
			if len(top) > 3 {
				top = top[:3]
			}
			content = fmt.Sprintf("[related: %s] %s", strings.Join(top, ", "), content)
		}
		tokens := estimateTokens(content)

		if current+tokens > budget {
			remainingChars := (budget - current) * charsPerTokenCJK
			if remainingChars >= minTailChars {
				if remainingChars > len(content) {
					remainingChars = len(content)
				}
				lines = append(lines, content[:remainingChars]+"...")
			}
			break
		}

		lines = append(lines, "• "+content)
		current += tokens
	}
	return strings.Join(lines, "\n")
}

// buildTurnsSection keeps the most recent turns that fit budget, walking
// backward from the newest and restoring chronological order.
func buildTurnsSection(turns []Turn, budget int) string {
	if len(turns) == 0 {
		return ""
	}
	var selected []string
	current := 0

	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		line := fmt.Sprintf("%s: %s", t.Role, t.Content)
		tokens := estimateTokens(line)
		if current+tokens > budget {
			break
		}
		selected = append(selected, line)
		current += tokens
	}

	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return strings.Join(selected, "\n")
}

// estimateTokens counts CJK and ASCII runs separately, at 0.5 tokens per
// CJK char and 0.25 tokens per ASCII char (spec §4.11's conservative
// estimate), matching context_builder.py's _estimate_tokens exactly.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	zh := 0
	total := 0
	for _, r := range text {
		total++
		if r >= 0x4e00 && r <= 0x9fff {
			zh++
		}
	}
	en := total - zh
	return zh/charsPerTokenCJK + en/charsPerTokenASCII
}

// CharacterProfile supplements build() with character_id-scoped persona
// framing, grounded on context_builder.py's optimize_for_roleplay /
// _build_character_prompt / _prioritize_character_memories — the data
// model already carries a character_id tenant scope component (spec
// §3), so this is a natural extension rather than a new concept.
type CharacterProfile struct {
	Name        string
	Description string
	Personality string
}

// BuildForCharacter prioritizes memories mentioning the character's name
// and gives memories a larger share of the budget (0.6 instead of 0.5),
// matching optimize_for_roleplay's config override.
func (b *Builder) BuildForCharacter(profile CharacterProfile, memories []retrieve.Result, recentTurns []Turn) Built {
	prioritized := prioritizeByName(memories, profile.Name)
	characterBuilder := &Builder{cfg: Config{MaxTokens: b.cfg.MaxTokens, MemoryRatio: 0.6}}
	return characterBuilder.Build(prioritized, recentTurns, buildCharacterPrompt(profile), "")
}

func buildCharacterPrompt(p CharacterProfile) string {
	name := p.Name
	if name == "" {
		name = "the character"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("You are %s.", name))
	if p.Description != "" {
		parts = append(parts, "Background: "+p.Description)
	}
	if p.Personality != "" {
		parts = append(parts, "Personality: "+p.Personality)
	}
	return strings.Join(parts, " ")
}

func prioritizeByName(memories []retrieve.Result, name string) []retrieve.Result {
	if name == "" {
		return memories
	}
	var related, others []retrieve.Result
	for _, m := range memories {
		if strings.Contains(m.Content, name) || containsEntity(m.MatchedEntities, name) {
			related = append(related, m)
		} else {
			others = append(others, m)
		}
	}
	return append(related, others...)
}

func containsEntity(entities []string, name string) bool {
	for _, e := range entities {
		if e == name {
			return true
		}
	}
	return false
}
