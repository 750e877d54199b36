// Package inference drives autoregressive decoding: prompt priming, the
// token-by-token step loop with KV caching, per-sequence stop handling and
// streaming callbacks.
package inference

import (
	"context"
	"fmt"
	"time"

	"nanochat/internal/logits"
	"nanochat/internal/model"
)

// Stats summarizes one generation call.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}

// TokenCallback receives every sampled token: the batch row it belongs to,
// the token id and its position among that row's generated tokens (0-based).
// Returning false stops that row; the other rows keep going.
type TokenCallback func(seq, token, pos int) bool

// GenerateOptions configures one Generate call.
type GenerateOptions struct {
	MaxNewTokens int
	NumSamples   int // batch rows decoded from the same prompt, default 1
	Temperature  float32
	TopK         int
	TopP         float32
	Seed         int64
	StopTokens   []int
	UseCache     bool
}

// Generator runs generation loops against a fixed model. The model's weights
// are shared read-only; each Generate call owns its cache and sampler, so a
// Generator must not run two calls concurrently.
type Generator struct {
	model *model.Model
}

// NewGenerator wraps a model for generation.
func NewGenerator(m *model.Model) *Generator {
	return &Generator{model: m}
}

// Generate decodes up to MaxNewTokens tokens per batch row, starting from the
// prompt. It returns each row's full id sequence (prompt plus generated
// tokens, stop tokens excluded). The callback, if non-nil, runs inline after
// every sampled token; a slow callback directly throttles decoding.
//
// Rows that hit a stop token or whose callback returns false no longer
// receive tokens, but the batch keeps its shape: stopped rows are fed their
// last sampled token until every row has stopped or the budget runs out.
func (g *Generator) Generate(ctx context.Context, prompt []int, opts GenerateOptions, callback TokenCallback) ([][]int, Stats, error) {
	var stats Stats
	if len(prompt) == 0 {
		return nil, stats, fmt.Errorf("empty prompt")
	}
	if opts.MaxNewTokens <= 0 {
		return nil, stats, fmt.Errorf("max new tokens must be positive, got %d", opts.MaxNewTokens)
	}
	batch := opts.NumSamples
	if batch <= 0 {
		batch = 1
	}

	cfg := g.model.Config()
	// seqs is the externally visible output; work keeps every row aligned to
	// the same length so the batched forward pass never goes ragged.
	seqs := make([][]int, batch)
	work := make([][]int, batch)
	for i := range seqs {
		seqs[i] = append([]int(nil), prompt...)
		work[i] = append([]int(nil), prompt...)
	}
	active := make([]bool, batch)
	for i := range active {
		active[i] = true
	}
	stopSet := make(map[int]struct{}, len(opts.StopTokens))
	for _, id := range opts.StopTokens {
		stopSet[id] = struct{}{}
	}

	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:        opts.Seed,
		Temperature: opts.Temperature,
		TopK:        opts.TopK,
		TopP:        opts.TopP,
	})

	var cache *model.KVCache
	if opts.UseCache {
		var err error
		if cache, err = g.model.NewCache(batch); err != nil {
			return nil, stats, err
		}
		defer cache.Clear()
	}

	start := time.Now()
	generated := 0
	primed := false
	for step := 0; step < opts.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return seqs, stats, err
		}

		var input [][]int
		switch {
		case cache != nil && primed && cache.Len()+1 <= cfg.MaxSeqLen:
			// Incremental decode: only the newest token per row.
			input = make([][]int, batch)
			for i, w := range work {
				input[i] = w[len(w)-1:]
			}
		case cache != nil && primed:
			// The next position would overflow. Drop the oldest context and
			// restart the cache from the truncated window; the cleared cache
			// must not refer to discarded positions.
			cache.Clear()
			input = trailingWindow(work, cfg.MaxSeqLen-1)
		default:
			input = trailingWindow(work, cfg.MaxSeqLen)
		}

		lg, err := g.forward(input, cache)
		if err != nil {
			return seqs, stats, err
		}
		primed = true

		seqLen := len(input[0])
		anyActive := false
		for b := 0; b < batch; b++ {
			row := lg[((b*seqLen)+seqLen-1)*cfg.VocabSize : ((b*seqLen)+seqLen)*cfg.VocabSize]
			tok := sampler.Sample(row)
			if !active[b] {
				work[b] = append(work[b], work[b][len(work[b])-1])
				continue
			}
			work[b] = append(work[b], tok)
			if _, stop := stopSet[tok]; stop {
				active[b] = false
				continue
			}
			seqs[b] = append(seqs[b], tok)
			generated++
			if callback != nil && !callback(b, tok, len(seqs[b])-len(prompt)-1) {
				active[b] = false
				continue
			}
			anyActive = true
		}
		if !anyActive {
			break
		}
	}

	stats.PromptTokens = len(prompt)
	stats.TokensGenerated = generated
	stats.Duration = time.Since(start)
	if s := stats.Duration.Seconds(); s > 0 {
		stats.TPS = float64(generated) / s
	}
	return seqs, stats, nil
}

func (g *Generator) forward(input [][]int, cache *model.KVCache) ([]float32, error) {
	if cache != nil {
		t, err := g.model.ForwardWithCache(input, cache)
		if err != nil {
			return nil, err
		}
		return t.Data, nil
	}
	t, err := g.model.Forward(input)
	if err != nil {
		return nil, err
	}
	return t.Data, nil
}

// trailingWindow truncates every row to its last max tokens.
func trailingWindow(seqs [][]int, max int) [][]int {
	out := make([][]int, len(seqs))
	for i, s := range seqs {
		if len(s) > max {
			s = s[len(s)-max:]
		}
		out[i] = s
	}
	return out
}
