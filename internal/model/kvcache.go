package model

import (
	"fmt"

	"nanochat/internal/tensor"
)

// KVCache stores the key/value projections of previously processed positions,
// one pair per layer, so incremental decoding only computes projections for
// new tokens. Entries hold the compact grouped-query head count; group
// expansion happens after retrieval.
//
// A cache is owned by exactly one in-flight generation call. All layers must
// be updated in lockstep by the caller; layer 0's length is treated as ground
// truth for the accumulated sequence length.
type KVCache struct {
	batch     int
	kvHeads   int
	headDim   int
	maxSeqLen int

	keys   []*tensor.Tensor // per layer, nil until first update
	values []*tensor.Tensor
}

// NewKVCache creates an empty cache for numLayers layers with fixed batch,
// kv-head and head-dim configuration.
func NewKVCache(numLayers, batch, kvHeads, headDim, maxSeqLen int) (*KVCache, error) {
	if numLayers <= 0 || batch <= 0 || kvHeads <= 0 || headDim <= 0 || maxSeqLen <= 0 {
		return nil, fmt.Errorf("invalid cache dimensions: layers=%d batch=%d kvHeads=%d headDim=%d max=%d",
			numLayers, batch, kvHeads, headDim, maxSeqLen)
	}
	return &KVCache{
		batch:     batch,
		kvHeads:   kvHeads,
		headDim:   headDim,
		maxSeqLen: maxSeqLen,
		keys:      make([]*tensor.Tensor, numLayers),
		values:    make([]*tensor.Tensor, numLayers),
	}, nil
}

// Len returns the accumulated sequence length, read from layer 0.
func (c *KVCache) Len() int {
	if c == nil || c.keys[0] == nil {
		return 0
	}
	return c.keys[0].Shape[2]
}

// Get returns the stored key/value pair for a layer, or ok=false if nothing
// has been cached there yet.
func (c *KVCache) Get(layer int) (k, v *tensor.Tensor, ok bool) {
	if layer < 0 || layer >= len(c.keys) {
		return nil, nil, false
	}
	if c.keys[layer] == nil {
		return nil, nil, false
	}
	return c.keys[layer], c.values[layer], true
}

// Update appends newK/newV (batch, kvHeads, newTokens, headDim) to the
// layer's history and returns the full accumulated pair. The first update
// for a layer stores a copy; later updates concatenate along the sequence
// axis. Overflow past the configured maximum is a hard error: truncating
// mid-layer would desynchronize the layers, so recovery is the caller's job.
func (c *KVCache) Update(layer int, newK, newV *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if layer < 0 || layer >= len(c.keys) {
		return nil, nil, fmt.Errorf("layer index %d out of range [0, %d)", layer, len(c.keys))
	}
	if err := c.checkShape(newK); err != nil {
		return nil, nil, fmt.Errorf("new keys: %w", err)
	}
	if err := c.checkShape(newV); err != nil {
		return nil, nil, fmt.Errorf("new values: %w", err)
	}
	if newK.Shape[2] != newV.Shape[2] {
		return nil, nil, fmt.Errorf("key/value token counts differ: %d vs %d", newK.Shape[2], newV.Shape[2])
	}

	have := 0
	if c.keys[layer] != nil {
		have = c.keys[layer].Shape[2]
	}
	if have+newK.Shape[2] > c.maxSeqLen {
		return nil, nil, fmt.Errorf("cache overflow: %d+%d tokens exceeds maximum %d", have, newK.Shape[2], c.maxSeqLen)
	}

	if c.keys[layer] == nil {
		c.keys[layer] = newK.Clone()
		c.values[layer] = newV.Clone()
		return c.keys[layer], c.values[layer], nil
	}

	k, err := tensor.ConcatSeq(c.keys[layer], newK)
	if err != nil {
		return nil, nil, err
	}
	v, err := tensor.ConcatSeq(c.values[layer], newV)
	if err != nil {
		return nil, nil, err
	}
	c.keys[layer], c.values[layer] = k, v
	return k, v, nil
}

func (c *KVCache) checkShape(t *tensor.Tensor) error {
	if t.Rank() != 4 {
		return fmt.Errorf("expected 4-D tensor, got shape %v", t.Shape)
	}
	if t.Shape[0] != c.batch {
		return fmt.Errorf("batch size mismatch: got %d, want %d", t.Shape[0], c.batch)
	}
	if t.Shape[1] != c.kvHeads {
		return fmt.Errorf("kv head count mismatch: got %d, want %d", t.Shape[1], c.kvHeads)
	}
	if t.Shape[3] != c.headDim {
		return fmt.Errorf("head dim mismatch: got %d, want %d", t.Shape[3], c.headDim)
	}
	return nil
}

// Clear releases all stored history and resets the length to zero.
func (c *KVCache) Clear() {
	for i := range c.keys {
		c.keys[i] = nil
		c.values[i] = nil
	}
}
