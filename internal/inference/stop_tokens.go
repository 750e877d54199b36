package inference

import "nanochat/internal/tokenizer"

// BuildStopTokens returns the token ids that end an assistant turn. Missing
// specials are skipped rather than treated as errors so a plain-text
// vocabulary still generates (it just never stops early).
func BuildStopTokens(tok *tokenizer.Tokenizer) []int {
	var stops []int
	for _, name := range []string{tokenizer.TokenAssistantEnd, tokenizer.TokenBOS} {
		if id, err := tok.SpecialID(name); err == nil {
			stops = append(stops, id)
		}
	}
	return stops
}
