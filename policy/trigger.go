package policy

import (
	"bufio"
	"bytes"
	"strings"
	"unicode"

	ss_bloomring "github.com/v2fly/ss-bloomring"
)

const (
	triggerBloomSlots = 1
	triggerBloomFPR   = 1e-4

	// headroom keeps the single bloom slot from ever rotating out
	triggerBloomMinCapacity = 64
)

// TriggerIndex holds literal trigger phrases. Phrases and scanned text are
// compared case-insensitively on word boundaries, punctuation ignored. A
// bloom prefilter rejects most candidate n-grams before the exact lookup.
type TriggerIndex struct {
	bloom    *ss_bloomring.BloomRing
	exact    map[string]uint16 // normalized phrase -> category id
	maxWords int
}

// NewTriggerIndex sizes the prefilter for the expected number of phrases.
func NewTriggerIndex(expected int) *TriggerIndex {
	return &TriggerIndex{
		bloom:    ss_bloomring.NewBloomRing(triggerBloomSlots, 2*expected+triggerBloomMinCapacity, triggerBloomFPR),
		exact:    make(map[string]uint16, expected),
		maxWords: 0,
	}
}

// Add indexes phrase for category; the first category to claim a phrase
// keeps it. Phrases that normalize to nothing are rejected.
func (x *TriggerIndex) Add(phrase string, category uint16) bool {
	words := normalizeWords(phrase)
	if len(words) == 0 {
		return false
	}

	key := strings.Join(words, " ")
	_, found := x.exact[key]
	if found {
		return false
	}

	x.exact[key] = category
	x.bloom.Add([]byte(key))
	x.maxWords = max(x.maxWords, len(words))
	return true
}

func (x *TriggerIndex) Len() int {
	return len(x.exact)
}

// Match reports the first trigger found in text, scanning left to right and
// preferring the longest phrase at each position.
func (x *TriggerIndex) Match(text string) (uint16, string, bool) {
	if len(x.exact) == 0 {
		return 0, "", false
	}

	words := normalizeWords(text)
	var sb strings.Builder
	for i := range words {
		for n := min(x.maxWords, len(words)-i); n >= 1; n-- {
			sb.Reset()
			for k, w := range words[i : i+n] {
				if k > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(w)
			}
			candidate := sb.String()

			if !x.bloom.Test([]byte(candidate)) {
				continue
			}
			category, found := x.exact[candidate]
			if found {
				return category, candidate, true
			}
		}
	}

	return 0, "", false
}

func normalizeWords(s string) []string {
	return strings.FieldsFunc(
		strings.ToLower(s),
		func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		},
	)
}

// ParseTriggers reads one phrase per line, skipping blanks and # comments.
func ParseTriggers(data []byte) []string {
	var phrases []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		phrases = append(phrases, line)
	}

	return phrases
}
