package usecase

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"support-agent/internal/domain"
)

const (
	maxTopicKeywords   = 20
	minKeywordLength   = 4
	minSharedKeywords  = 2
	relatedPromptStart = "This looks related to your earlier conversation about "
)

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "also": {}, "been": {}, "could": {},
	"does": {}, "from": {}, "have": {}, "hello": {}, "help": {}, "just": {},
	"like": {}, "need": {}, "please": {}, "should": {}, "still": {}, "thank": {},
	"thanks": {}, "that": {}, "them": {}, "then": {}, "there": {}, "they": {},
	"this": {}, "want": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"with": {}, "would": {}, "your": {},
}

// keywords extracts lowercase content words from text, deduplicated and
// sorted.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < minKeywordLength {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func mergeKeywords(existing, added []string) []string {
	merged := make([]string, 0, len(existing)+len(added))
	seen := make(map[string]struct{}, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, k := range list {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, k)
		}
	}
	if len(merged) > maxTopicKeywords {
		merged = merged[len(merged)-maxTopicKeywords:]
	}
	return merged
}

// relatedPrompt offers to resume prev when it closed within window before
// now and shares enough keywords with text. It never affects state.
func relatedPrompt(prev *domain.Conversation, text string, now time.Time, window time.Duration) string {
	if prev == nil || !prev.State.Terminal() || prev.ClosedAt.IsZero() {
		return ""
	}
	if now.Sub(prev.ClosedAt) > window {
		return ""
	}
	topic := make(map[string]struct{}, len(prev.Topic))
	for _, k := range prev.Topic {
		topic[k] = struct{}{}
	}
	var shared []string
	for _, k := range keywords(text) {
		if _, ok := topic[k]; ok {
			shared = append(shared, k)
		}
	}
	if len(shared) < minSharedKeywords {
		return ""
	}
	return relatedPromptStart + strings.Join(shared, ", ") +
		". Reply with more detail if you'd like to pick up where we left off."
}
