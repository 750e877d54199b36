package model

import (
	"fmt"
	"math"

	"nanochat/internal/tensor"
)

// LayerWeights holds one layer's read-only parameters. Projection matrices
// are stored input-major, i.e. (in, out), ready for row-times-matrix
// multiplication.
type LayerWeights struct {
	Wq  *tensor.Tensor // (embed, heads*headDim)
	Wk  *tensor.Tensor // (embed, kvHeads*headDim)
	Wv  *tensor.Tensor // (embed, kvHeads*headDim)
	Wo  *tensor.Tensor // (heads*headDim, embed)
	FC1 *tensor.Tensor // (embed, ffn)
	FC2 *tensor.Tensor // (ffn, embed)

	// Value embedding parameters, only consulted for layers the config
	// enables them on.
	ValueTable *tensor.Tensor // (maxSeqLen, headDim)
	ValueGate  float32
}

// Weights is the full read-only parameter set: loaded once, used for many
// generation calls, released with the model.
type Weights struct {
	Embedding *tensor.Tensor // (vocab, embed)
	LMHead    *tensor.Tensor // (embed, vocab)
	Layers    []LayerWeights
}

// Model is the layered transformer stack. It owns no mutable state beyond
// its weights; per-call decode state lives in caller-owned KVCache values,
// so a model may serve many sequential generation calls.
type Model struct {
	cfg      Config
	policies []layerPolicy
	rope     *Rope
	blocks   []*Block

	embedding *tensor.Tensor
	lmHead    *tensor.Tensor

	usesX0 bool
}

// New validates the configuration, compiles the per-layer policies and wires
// the blocks around the provided weights.
func New(cfg Config, w *Weights) (*Model, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("weights are required")
	}
	if len(w.Layers) != cfg.NumLayers {
		return nil, fmt.Errorf("weights cover %d layers, config wants %d", len(w.Layers), cfg.NumLayers)
	}
	if err := checkShape(w.Embedding, "embedding", cfg.VocabSize, cfg.EmbedDim); err != nil {
		return nil, err
	}
	if err := checkShape(w.LMHead, "lm head", cfg.EmbedDim, cfg.VocabSize); err != nil {
		return nil, err
	}

	rope, err := NewRope(cfg.HeadDim(), cfg.MaxSeqLen, cfg.RopeBase)
	if err != nil {
		return nil, err
	}

	policies := buildLayerPolicies(cfg)
	headDim := cfg.HeadDim()
	usesX0 := false
	blocks := make([]*Block, cfg.NumLayers)
	for i := range blocks {
		lw := w.Layers[i]
		p := policies[i]
		if err := checkLayerShapes(&lw, cfg, i); err != nil {
			return nil, err
		}

		var ve *ValueEmbedding
		if p.useValueEmbed {
			if lw.ValueTable == nil {
				return nil, fmt.Errorf("layer %d enables value embedding but has no table", i)
			}
			if err := checkShape(lw.ValueTable, fmt.Sprintf("layer %d value table", i), cfg.MaxSeqLen, headDim); err != nil {
				return nil, err
			}
			ve, err = NewValueEmbedding(lw.ValueTable, lw.ValueGate, layoutSeqHeads)
			if err != nil {
				return nil, err
			}
		}
		if p.x0Scale != 0 {
			usesX0 = true
		}

		blocks[i] = &Block{
			attn: &Attention{
				wq:         lw.Wq,
				wk:         lw.Wk,
				wv:         lw.Wv,
				wo:         lw.Wo,
				nHeads:     cfg.NumHeads,
				nKVHeads:   cfg.NumKVHeads,
				headDim:    headDim,
				window:     p.window,
				normEps:    cfg.NormEps,
				rope:       rope,
				valueEmbed: ve,
			},
			ffn:        &FeedForward{fc1: lw.FC1, fc2: lw.FC2},
			normEps:    cfg.NormEps,
			residScale: p.residScale,
			x0Scale:    p.x0Scale,
		}
	}

	return &Model{
		cfg:       cfg,
		policies:  policies,
		rope:      rope,
		blocks:    blocks,
		embedding: w.Embedding,
		lmHead:    w.LMHead,
		usesX0:    usesX0,
	}, nil
}

func checkShape(t *tensor.Tensor, name string, rows, cols int) error {
	if t == nil {
		return fmt.Errorf("%s weights missing", name)
	}
	if t.Rank() != 2 || t.Shape[0] != rows || t.Shape[1] != cols {
		return fmt.Errorf("%s shape %v, want (%d, %d)", name, t.Shape, rows, cols)
	}
	return nil
}

func checkLayerShapes(lw *LayerWeights, cfg Config, i int) error {
	headDim := cfg.HeadDim()
	if err := checkShape(lw.Wq, fmt.Sprintf("layer %d wq", i), cfg.EmbedDim, cfg.NumHeads*headDim); err != nil {
		return err
	}
	if err := checkShape(lw.Wk, fmt.Sprintf("layer %d wk", i), cfg.EmbedDim, cfg.NumKVHeads*headDim); err != nil {
		return err
	}
	if err := checkShape(lw.Wv, fmt.Sprintf("layer %d wv", i), cfg.EmbedDim, cfg.NumKVHeads*headDim); err != nil {
		return err
	}
	if err := checkShape(lw.Wo, fmt.Sprintf("layer %d wo", i), cfg.NumHeads*headDim, cfg.EmbedDim); err != nil {
		return err
	}
	if err := checkShape(lw.FC1, fmt.Sprintf("layer %d fc1", i), cfg.EmbedDim, cfg.FFNDim); err != nil {
		return err
	}
	return checkShape(lw.FC2, fmt.Sprintf("layer %d fc2", i), cfg.FFNDim, cfg.EmbedDim)
}

// Config returns the validated configuration (defaults applied).
func (m *Model) Config() Config { return m.cfg }

// NewCache allocates a KV cache sized for this model and batch, for use with
// ForwardWithCache. The cache must not be shared across concurrent calls.
func (m *Model) NewCache(batch int) (*KVCache, error) {
	return NewKVCache(m.cfg.NumLayers, batch, m.cfg.NumKVHeads, m.cfg.HeadDim(), m.cfg.MaxSeqLen)
}

// Forward computes vocabulary logits (batch, seq, vocab) for the given token
// ids without any caching.
func (m *Model) Forward(ids [][]int) (*tensor.Tensor, error) {
	return m.forward(ids, nil)
}

// ForwardWithCache computes logits while appending this call's key/value
// projections to the supplied cache. The cache must have been updated in
// lockstep for every prior call.
func (m *Model) ForwardWithCache(ids [][]int, cache *KVCache) (*tensor.Tensor, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	return m.forward(ids, cache)
}

func (m *Model) forward(ids [][]int, cache *KVCache) (*tensor.Tensor, error) {
	batch := len(ids)
	if batch == 0 {
		return nil, fmt.Errorf("empty input batch")
	}
	seq := len(ids[0])
	if seq == 0 {
		return nil, fmt.Errorf("empty input sequence")
	}
	for i, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("ragged batch: row %d has %d tokens, row 0 has %d", i, len(row), seq)
		}
	}
	total := seq
	if cache != nil {
		total += cache.Len()
	}
	if total > m.cfg.MaxSeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds maximum %d", total, m.cfg.MaxSeqLen)
	}

	x, err := m.embed(ids)
	if err != nil {
		return nil, err
	}
	var x0 *tensor.Tensor
	if m.usesX0 {
		x0 = x.Clone()
	}

	// The position offset is read once, before any block appends to the
	// cache: layer 0's update grows the cache mid-step, so re-reading the
	// length per layer would shift later layers' positions.
	offset := 0
	if cache != nil {
		offset = cache.Len()
	}
	for i, blk := range m.blocks {
		layer := i
		if cache == nil {
			layer = -1
		}
		if x, err = blk.Forward(x, x0, cache, layer, offset); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	rmsNormInPlace(x, m.cfg.NormEps)
	logits, err := tensor.MatMul2(x, m.lmHead)
	if err != nil {
		return nil, err
	}
	if c := m.cfg.LogitSoftcap; c > 0 {
		softcap(logits, float32(c))
	}
	return logits, nil
}

func (m *Model) embed(ids [][]int) (*tensor.Tensor, error) {
	batch, seq := len(ids), len(ids[0])
	x := tensor.New(batch, seq, m.cfg.EmbedDim)
	dim := m.cfg.EmbedDim
	for b, row := range ids {
		for t, tok := range row {
			if tok < 0 || tok >= m.cfg.VocabSize {
				return nil, fmt.Errorf("token id %d out of range [0, %d)", tok, m.cfg.VocabSize)
			}
			src := m.embedding.Data[tok*dim : (tok+1)*dim]
			dst := x.Data[((b*seq)+t)*dim:]
			copy(dst[:dim], src)
		}
	}
	return x, nil
}

// softcap bounds logit magnitude to c via c·tanh(x/c).
func softcap(t *tensor.Tensor, c float32) {
	for i, v := range t.Data {
		t.Data[i] = c * float32(math.Tanh(float64(v/c)))
	}
}
