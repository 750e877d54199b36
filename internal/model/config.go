// Package model implements the transformer forward pass: embedding, rotary
// attention with grouped KV heads and optional sliding windows, relu²
// feed-forward blocks, the per-call KV cache, and the logit head.
package model

import (
	"fmt"
	"strings"
)

// Config describes a model architecture. It is validated once at model
// construction and never mutated afterwards.
type Config struct {
	MaxSeqLen  int
	VocabSize  int
	NumLayers  int
	NumHeads   int
	NumKVHeads int
	EmbedDim   int
	FFNDim     int // 0 = 4*EmbedDim

	// WindowPattern assigns attention kinds to layers cyclically:
	// 'S' = sliding window, 'F' = full causal.
	WindowPattern string
	WindowSize    int

	// ValueEmbedPattern enables the gated value embedding per layer,
	// cyclically: 'V' = enabled, '-' = disabled.
	ValueEmbedPattern string

	// Per-layer residual scales. When nil they default to 1.0 (ResidScales)
	// and 0.0 (X0Scales, the initial-embedding skip path).
	ResidScales []float32
	X0Scales    []float32

	NormEps      float64
	RopeBase     float64
	LogitSoftcap float64 // 0 = disabled
}

func (c Config) withDefaults() Config {
	if c.FFNDim == 0 {
		c.FFNDim = 4 * c.EmbedDim
	}
	if c.WindowPattern == "" {
		c.WindowPattern = "F"
	}
	if c.ValueEmbedPattern == "" {
		c.ValueEmbedPattern = "-"
	}
	if c.NormEps == 0 {
		c.NormEps = 1e-6
	}
	if c.RopeBase == 0 {
		c.RopeBase = 10_000
	}
	return c
}

func (c Config) validate() error {
	if c.NumLayers <= 0 {
		return fmt.Errorf("num layers must be positive, got %d", c.NumLayers)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("max sequence length must be positive, got %d", c.MaxSeqLen)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("head count must be positive, got %d", c.NumHeads)
	}
	if c.EmbedDim <= 0 || c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("embed dim %d must be positive and divisible by head count %d", c.EmbedDim, c.NumHeads)
	}
	if (c.EmbedDim/c.NumHeads)%2 != 0 {
		return fmt.Errorf("head dim %d must be even for rotary encoding", c.EmbedDim/c.NumHeads)
	}
	if c.NumKVHeads <= 0 || c.NumKVHeads > c.NumHeads {
		return fmt.Errorf("kv head count %d must be in [1, %d]", c.NumKVHeads, c.NumHeads)
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("head count %d must be divisible by kv head count %d", c.NumHeads, c.NumKVHeads)
	}
	if c.FFNDim <= 0 {
		return fmt.Errorf("ffn dim must be positive, got %d", c.FFNDim)
	}
	if err := validatePattern(c.WindowPattern, "SF"); err != nil {
		return fmt.Errorf("window pattern: %w", err)
	}
	if strings.ContainsRune(c.WindowPattern, 'S') && c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive when the pattern contains sliding layers, got %d", c.WindowSize)
	}
	if err := validatePattern(c.ValueEmbedPattern, "V-"); err != nil {
		return fmt.Errorf("value embed pattern: %w", err)
	}
	if c.ResidScales != nil && len(c.ResidScales) != c.NumLayers {
		return fmt.Errorf("resid scales length %d does not match layer count %d", len(c.ResidScales), c.NumLayers)
	}
	if c.X0Scales != nil && len(c.X0Scales) != c.NumLayers {
		return fmt.Errorf("x0 scales length %d does not match layer count %d", len(c.X0Scales), c.NumLayers)
	}
	if c.NormEps <= 0 {
		return fmt.Errorf("norm epsilon must be positive, got %g", c.NormEps)
	}
	if c.RopeBase <= 0 {
		return fmt.Errorf("rope base must be positive, got %g", c.RopeBase)
	}
	if c.LogitSoftcap < 0 {
		return fmt.Errorf("logit softcap must be non-negative, got %g", c.LogitSoftcap)
	}
	return nil
}

func validatePattern(pattern, alphabet string) error {
	if pattern == "" {
		return fmt.Errorf("pattern must be non-empty")
	}
	for _, r := range pattern {
		if !strings.ContainsRune(alphabet, r) {
			return fmt.Errorf("invalid character %q, allowed %q", r, alphabet)
		}
	}
	return nil
}

// HeadDim returns the per-head feature width.
func (c Config) HeadDim() int { return c.EmbedDim / c.NumHeads }

// layerPolicy is the per-layer behavior derived from the cyclic pattern
// strings, computed once at model build time so the forward pass never
// indexes into the pattern strings.
type layerPolicy struct {
	window        int // 0 = full attention
	residScale    float32
	x0Scale       float32
	useValueEmbed bool
}

func buildLayerPolicies(cfg Config) []layerPolicy {
	policies := make([]layerPolicy, cfg.NumLayers)
	for i := range policies {
		p := layerPolicy{residScale: 1}
		if cfg.WindowPattern[i%len(cfg.WindowPattern)] == 'S' {
			p.window = cfg.WindowSize
		}
		if cfg.ValueEmbedPattern[i%len(cfg.ValueEmbedPattern)] == 'V' {
			p.useValueEmbed = true
		}
		if cfg.ResidScales != nil {
			p.residScale = cfg.ResidScales[i]
		}
		if cfg.X0Scales != nil {
			p.x0Scale = cfg.X0Scales[i]
		}
		policies[i] = p
	}
	return policies
}
