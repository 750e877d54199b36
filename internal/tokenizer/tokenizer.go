// Package tokenizer implements the byte-level BPE scheme the chat models are
// trained with: a reversible byte-to-unicode mapping, ranked pair merges and
// a handful of <|...|> special tokens for conversation structure.
package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
)

// Special token names used to frame conversations.
const (
	TokenBOS            = "<|bos|>"
	TokenUserStart      = "<|user_start|>"
	TokenUserEnd        = "<|user_end|>"
	TokenAssistantStart = "<|assistant_start|>"
	TokenAssistantEnd   = "<|assistant_end|>"
)

// Pair represents a pair of BPE tokens.
type Pair struct {
	A string
	B string
}

// Tokenizer encodes text to token ids and back. It is safe for sequential
// reuse; the merge cache makes repeated encodes of common words cheap.
type Tokenizer struct {
	encoder     map[string]int
	decoder     []string
	bpeRanks    map[Pair]int
	cache       map[string][]string
	byteEncoder map[byte]string
	byteDecoder map[string]byte
	pattern     *regexp.Regexp
	special     []string
}

// New builds a tokenizer from the vocabulary list and ordered merge lines.
// Special tokens are recognized by their <|...|> framing within the
// vocabulary.
func New(tokens []string, merges []string) (*Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty token list")
	}
	encoder := make(map[string]int, len(tokens))
	for i, t := range tokens {
		encoder[t] = i
	}

	bpeRanks := make(map[Pair]int, len(merges))
	rank := 0
	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		p := Pair{A: parts[0], B: parts[1]}
		if _, ok := bpeRanks[p]; !ok {
			bpeRanks[p] = rank
			rank++
		}
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	// Go regexp has no lookahead, so the trailing-whitespace branch of the
	// training pre-tokenizer collapses into a plain \s+ match.
	pat := regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}{1,3}| ?[^\s\p{L}\p{N}]+|\s+`)

	return &Tokenizer{
		encoder:     encoder,
		decoder:     append([]string(nil), tokens...),
		bpeRanks:    bpeRanks,
		cache:       make(map[string][]string),
		byteEncoder: byteEncoder,
		byteDecoder: byteDecoder,
		pattern:     pat,
		special:     collectSpecials(tokens),
	}, nil
}

// VocabSize returns the number of tokens in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.decoder) }

// SpecialID returns the id of a special token by its full <|...|> name.
func (t *Tokenizer) SpecialID(name string) (int, error) {
	id, ok := t.encoder[name]
	if !ok {
		return 0, fmt.Errorf("unknown special token: %q", name)
	}
	return id, nil
}

// Encode converts text to token ids. Only the special tokens named in
// allowedSpecials are matched as markers; any other <|...|> text is ordinary
// input and goes through BPE like the rest, so untrusted text cannot inject
// conversation structure. Pass nil to allow none.
func (t *Tokenizer) Encode(text string, allowedSpecials []string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, t.allowed(allowedSpecials)) {
		if part.isSpecial {
			id, ok := t.encoder[part.text]
			if !ok {
				return nil, fmt.Errorf("unknown special token: %q", part.text)
			}
			ids = append(ids, id)
			continue
		}
		for _, token := range t.pattern.FindAllString(part.text, -1) {
			for _, bpeTok := range t.bpe(t.byteEncode(token)) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					return nil, fmt.Errorf("cannot encode %q: no vocabulary entry for %q", token, bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// allowed filters the vocabulary's special tokens down to the requested set,
// preserving the longest-first match order.
func (t *Tokenizer) allowed(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for _, sp := range t.special {
		if _, ok := set[sp]; ok {
			out = append(out, sp)
		}
	}
	return out
}

// Decode converts token ids back to text. Special tokens decode to their
// literal <|...|> names.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if isSpecialToken(token) {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

// TokenString returns the vocabulary entry for an id, or "" if out of range.
func (t *Tokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *Tokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *Tokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	t.cache[token] = word
	return word
}
