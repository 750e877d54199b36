package model

import (
	"nanochat/internal/tensor"
)

// Block is one pre-normalization transformer layer: attention and
// feed-forward sub-layers, each entered through an unparameterized RMS norm
// and added back through a scaled residual. When the initial-embedding skip
// path is enabled (x0Scale != 0) the embedding-layer activations are
// reinjected after each sub-layer.
type Block struct {
	attn *Attention
	ffn  *FeedForward

	normEps    float64
	residScale float32
	x0Scale    float32
}

// Forward returns the block output for x (batch, seq, embed). x0 is the
// pre-transformer embedding tensor; it may be nil when no layer uses the
// skip path. offset is the absolute position of x's first token, shared by
// every layer of the step. Neither x nor x0 is mutated.
func (b *Block) Forward(x, x0 *tensor.Tensor, cache *KVCache, layer, offset int) (*tensor.Tensor, error) {
	attnOut, err := b.attn.Forward(rmsNorm(x, b.normEps), cache, layer, offset)
	if err != nil {
		return nil, err
	}
	h := x.Clone()
	if err := tensor.AddScaledInPlace(h, attnOut, b.residScale); err != nil {
		return nil, err
	}
	if x0 != nil && b.x0Scale != 0 {
		if err := tensor.AddScaledInPlace(h, x0, b.x0Scale); err != nil {
			return nil, err
		}
	}

	ffnOut, err := b.ffn.Forward(rmsNorm(h, b.normEps))
	if err != nil {
		return nil, err
	}
	if err := tensor.AddScaledInPlace(h, ffnOut, b.residScale); err != nil {
		return nil, err
	}
	if x0 != nil && b.x0Scale != 0 {
		if err := tensor.AddScaledInPlace(h, x0, b.x0Scale); err != nil {
			return nil, err
		}
	}
	return h, nil
}
