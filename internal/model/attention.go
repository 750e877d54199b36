package model

import (
	"fmt"
	"math"

	"nanochat/internal/tensor"
)

// Attention computes causal (optionally sliding-window) scaled dot-product
// attention with grouped query heads. The block itself holds no mutable
// state; all history lives in the caller-owned KVCache.
type Attention struct {
	wq *tensor.Tensor // (embed, nHeads*headDim)
	wk *tensor.Tensor // (embed, nKVHeads*headDim)
	wv *tensor.Tensor // (embed, nKVHeads*headDim)
	wo *tensor.Tensor // (nHeads*headDim, embed)

	nHeads   int
	nKVHeads int
	headDim  int
	window   int // 0 = full causal attention
	normEps  float64

	rope       *Rope
	valueEmbed *ValueEmbedding // nil when disabled for this layer
}

// Forward runs attention over x (batch, seq, embed). offset is the absolute
// position of x's first token; the caller derives it from the cache length
// BEFORE any layer of the step has appended to the cache, so every layer sees
// the same positions. When cache is non-nil the new key/value projections are
// appended to it for the given layer and attention runs against the full
// accumulated history.
func (a *Attention) Forward(x *tensor.Tensor, cache *KVCache, layer, offset int) (*tensor.Tensor, error) {
	if x.Rank() != 3 {
		return nil, fmt.Errorf("attention expects (batch, seq, embed), got shape %v", x.Shape)
	}
	if x.Shape[2] != a.wq.Shape[0] {
		return nil, fmt.Errorf("embed dim mismatch: input %d vs weights %d", x.Shape[2], a.wq.Shape[0])
	}
	if cache != nil && layer < 0 {
		return nil, fmt.Errorf("cache supplied without a layer index")
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative position offset %d", offset)
	}
	batch, seq := x.Shape[0], x.Shape[1]

	q, err := a.project(x, a.wq, a.nHeads)
	if err != nil {
		return nil, err
	}
	k, err := a.project(x, a.wk, a.nKVHeads)
	if err != nil {
		return nil, err
	}
	v, err := a.project(x, a.wv, a.nKVHeads)
	if err != nil {
		return nil, err
	}

	// Value embedding is injected before rotation, normalization or caching
	// so the cached history already carries it.
	if a.valueEmbed != nil {
		if err := a.valueEmbed.AddAt(v, offset); err != nil {
			return nil, err
		}
	}

	// Rotate first, then normalize: the reference architecture applies QK
	// normalization after the rotary encoding and reversing the order
	// changes outputs without any shape error.
	if err := a.rope.Apply(q, offset); err != nil {
		return nil, err
	}
	if err := a.rope.Apply(k, offset); err != nil {
		return nil, err
	}
	rmsNormInPlace(q, a.normEps)
	rmsNormInPlace(k, a.normEps)

	if q, err = tensor.Transpose12(q); err != nil {
		return nil, err
	}
	if k, err = tensor.Transpose12(k); err != nil {
		return nil, err
	}
	if v, err = tensor.Transpose12(v); err != nil {
		return nil, err
	}

	keys, values := k, v
	if cache != nil {
		if keys, values, err = cache.Update(layer, k, v); err != nil {
			return nil, err
		}
	}

	// Grouped-query expansion happens after cache retrieval so the cache
	// stores the compact kv head count.
	if a.nKVHeads < a.nHeads {
		groups := a.nHeads / a.nKVHeads
		keys = expandKVHeads(keys, groups)
		values = expandKVHeads(values, groups)
	}

	scores, err := tensor.BatchMatMulT(q, keys)
	if err != nil {
		return nil, err
	}
	tensor.ScaleInPlace(scores, float32(1.0/math.Sqrt(float64(a.headDim))))

	mask := attentionMask(seq, keys.Shape[2], a.window)
	if err := tensor.AddMask(scores, mask); err != nil {
		return nil, err
	}
	tensor.SoftmaxLast(scores)

	ctx, err := tensor.BatchMatMul(scores, values)
	if err != nil {
		return nil, err
	}
	if ctx, err = tensor.Transpose12(ctx); err != nil {
		return nil, err
	}
	if ctx, err = ctx.Reshape(batch, seq, a.nHeads*a.headDim); err != nil {
		return nil, err
	}
	return tensor.MatMul2(ctx, a.wo)
}

// project applies a projection weight and reshapes the result to
// (batch, seq, heads, headDim).
func (a *Attention) project(x, w *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	p, err := tensor.MatMul2(x, w)
	if err != nil {
		return nil, err
	}
	return p.Reshape(x.Shape[0], x.Shape[1], heads, a.headDim)
}

// expandKVHeads repeats each kv head `groups` times along the head axis so a
// (batch, kvHeads, seq, headDim) tensor aligns with the query head count.
func expandKVHeads(t *tensor.Tensor, groups int) *tensor.Tensor {
	b, kvHeads, seq, dim := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := tensor.New(b, kvHeads*groups, seq, dim)
	plane := seq * dim
	for bi := 0; bi < b; bi++ {
		for h := 0; h < kvHeads*groups; h++ {
			src := (bi*kvHeads + h/groups) * plane
			dst := (bi*kvHeads*groups + h) * plane
			copy(out.Data[dst:dst+plane], t.Data[src:src+plane])
		}
	}
	return out
}

// attentionMask builds the (qLen, kLen) additive mask. Allowed entries are
// log(1)=0, masked entries log(0)=-Inf, so softmax assigns them zero weight.
// Causality is evaluated against absolute position: during cached decode the
// query window sits at the end of the key axis, shifted by kLen-qLen.
func attentionMask(qLen, kLen, window int) *tensor.Tensor {
	m := tensor.New(qLen, kLen)
	shift := kLen - qLen
	for i := 0; i < qLen; i++ {
		row := m.Data[i*kLen : (i+1)*kLen]
		for j := 0; j < kLen; j++ {
			allowed := j <= i+shift
			if allowed && window > 0 && j <= i+shift-window {
				allowed = false
			}
			var b float64
			if allowed {
				b = 1
			}
			row[j] = float32(math.Log(b))
		}
	}
	return m
}
