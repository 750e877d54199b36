package tokenizer

import (
	"sort"
	"strings"
)

type textPart struct {
	text      string
	isSpecial bool
}

func splitRunes(s string) []string {
	parts := make([]string, 0, len(s))
	for _, r := range s {
		parts = append(parts, string(r))
	}
	return parts
}

func getPairs(word []string) map[Pair]struct{} {
	pairs := make(map[Pair]struct{}, len(word))
	for i := 0; i+1 < len(word); i++ {
		pairs[Pair{A: word[i], B: word[i+1]}] = struct{}{}
	}
	return pairs
}

func mergePair(word []string, pair Pair) []string {
	merged := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i+1 < len(word) && word[i] == pair.A && word[i+1] == pair.B {
			merged = append(merged, pair.A+pair.B)
			i++
		} else {
			merged = append(merged, word[i])
		}
	}
	return merged
}

// collectSpecials returns the special tokens of the vocabulary ordered
// longest first, so that overlapping markers match greedily.
func collectSpecials(tokens []string) []string {
	var specials []string
	for _, t := range tokens {
		if isSpecialToken(t) {
			specials = append(specials, t)
		}
	}
	sort.SliceStable(specials, func(i, j int) bool {
		return len(specials[i]) > len(specials[j])
	})
	return specials
}

func isSpecialToken(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// splitSpecials cuts text into literal runs and special-token markers. The
// literal runs go through BPE; the markers map directly to their ids.
func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<|") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	flush := func(run string) {
		if run != "" {
			parts = append(parts, textPart{text: run})
		}
	}
	start := 0
	for i := 0; i < len(text); {
		matched := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				matched = sp
				break
			}
		}
		if matched == "" {
			i++
			continue
		}
		flush(text[start:i])
		parts = append(parts, textPart{text: matched, isSpecial: true})
		i += len(matched)
		start = i
	}
	flush(text[start:])
	return parts
}

// bytesToUnicode builds the reversible byte-to-rune mapping: printable
// latin-1 bytes map to themselves, the rest to runes from 256 upward.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	enc := make(map[byte]string, 256)
	dec := make(map[string]byte, 256)

	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := 256
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(next)
			next++
		}
		enc[byte(b)] = string(r)
		dec[string(r)] = byte(b)
	}
	return enc, dec
}
