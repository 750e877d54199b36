package model

import (
	"math"
	"testing"

	"nanochat/internal/tensor"
)

func TestAttentionMaskCausal(t *testing.T) {
	m := attentionMask(4, 4, 0)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := m.At(i, j)
			if j <= i && v != 0 {
				t.Fatalf("(%d,%d) should be allowed, got %v", i, j, v)
			}
			if j > i && !math.IsInf(float64(v), -1) {
				t.Fatalf("(%d,%d) should be masked, got %v", i, j, v)
			}
		}
	}
}

func TestAttentionMaskSlidingWindow(t *testing.T) {
	m := attentionMask(5, 5, 2)
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			allowed := j <= i && j > i-2
			if allowed != (m.At(i, j) == 0) {
				t.Fatalf("(%d,%d): allowed=%v mask=%v", i, j, allowed, m.At(i, j))
			}
		}
	}
}

func TestAttentionMaskWideWindowEqualsCausal(t *testing.T) {
	// A window at least as long as the sequence never masks anything extra.
	wide := attentionMask(4, 4, 4)
	causal := attentionMask(4, 4, 0)
	compareSlices(t, wide.Data, causal.Data, 0)
}

func TestAttentionMaskCachedDecodeShift(t *testing.T) {
	// One query against five cached keys sits at absolute position 4.
	m := attentionMask(1, 5, 0)
	for j := 0; j < 5; j++ {
		if m.At(0, j) != 0 {
			t.Fatalf("cached decode should see all history, masked at %d", j)
		}
	}
	// With window 3 only the last three keys remain visible.
	w := attentionMask(1, 5, 3)
	for j := 0; j < 5; j++ {
		allowed := j > 1
		if allowed != (w.At(0, j) == 0) {
			t.Fatalf("key %d: allowed=%v mask=%v", j, allowed, w.At(0, j))
		}
	}
}

func TestExpandKVHeads(t *testing.T) {
	kv := tensor.New(2, 2, 3, 4)
	tensor.FillRand(kv, 1)
	out := expandKVHeads(kv, 3)
	if out.Shape[1] != 6 {
		t.Fatalf("unexpected head count %d", out.Shape[1])
	}
	for b := 0; b < 2; b++ {
		for h := 0; h < 6; h++ {
			for s := 0; s < 3; s++ {
				for d := 0; d < 4; d++ {
					if out.At(b, h, s, d) != kv.At(b, h/3, s, d) {
						t.Fatalf("head %d should repeat kv head %d", h, h/3)
					}
				}
			}
		}
	}
}

// newTestAttention builds a single attention block with deterministic weights.
func newTestAttention(t *testing.T, heads, kvHeads, headDim, window, maxSeq int) *Attention {
	t.Helper()
	embed := heads * headDim
	rope, err := NewRope(headDim, maxSeq, 10_000)
	if err != nil {
		t.Fatalf("rope: %v", err)
	}
	mk := func(r, c int, seed int64) *tensor.Tensor {
		m := tensor.New(r, c)
		tensor.FillRand(m, seed)
		return m
	}
	return &Attention{
		wq:       mk(embed, heads*headDim, 1),
		wk:       mk(embed, kvHeads*headDim, 2),
		wv:       mk(embed, kvHeads*headDim, 3),
		wo:       mk(heads*headDim, embed, 4),
		nHeads:   heads,
		nKVHeads: kvHeads,
		headDim:  headDim,
		window:   window,
		normEps:  1e-6,
		rope:     rope,
	}
}

func TestAttentionCausality(t *testing.T) {
	a := newTestAttention(t, 2, 1, 4, 0, 16)
	x := tensor.New(1, 4, 8)
	tensor.FillRand(x, 5)

	out1, err := a.Forward(x, nil, -1, 0)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	// Perturbing the last position must not change earlier outputs.
	x2 := x.Clone()
	x2.SetAt(x2.At(0, 3, 0)+1, 0, 3, 0)
	out2, err := a.Forward(x2, nil, -1, 0)
	if err != nil {
		t.Fatalf("forward perturbed: %v", err)
	}
	compareSlices(t, out1.Data[:3*8], out2.Data[:3*8], 1e-6)
}

func TestAttentionCachedMatchesFull(t *testing.T) {
	a := newTestAttention(t, 2, 1, 4, 0, 16)
	x := tensor.New(1, 4, 8)
	tensor.FillRand(x, 6)

	full, err := a.Forward(x, nil, -1, 0)
	if err != nil {
		t.Fatalf("full forward: %v", err)
	}

	cache, err := NewKVCache(1, 1, 1, 4, 16)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	// Prefix of three, then one incremental step.
	prefix := tensor.New(1, 3, 8)
	copy(prefix.Data, x.Data[:3*8])
	if _, err := a.Forward(prefix, cache, 0, 0); err != nil {
		t.Fatalf("prefix forward: %v", err)
	}
	step := tensor.New(1, 1, 8)
	copy(step.Data, x.Data[3*8:])
	got, err := a.Forward(step, cache, 0, 3)
	if err != nil {
		t.Fatalf("step forward: %v", err)
	}
	compareSlices(t, got.Data, full.Data[3*8:], 1e-4)
}

func TestAttentionSlidingWindowLimitsHistory(t *testing.T) {
	narrow := newTestAttention(t, 2, 2, 4, 2, 16)
	wide := newTestAttention(t, 2, 2, 4, 16, 16)
	x := tensor.New(1, 5, 8)
	tensor.FillRand(x, 7)

	outN, err := narrow.Forward(x, nil, -1, 0)
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	outW, err := wide.Forward(x, nil, -1, 0)
	if err != nil {
		t.Fatalf("wide: %v", err)
	}

	// Position 0 sees only itself either way; later positions diverge.
	compareSlices(t, outN.Data[:8], outW.Data[:8], 1e-6)
	same := true
	for i := 4 * 8; i < 5*8; i++ {
		if outN.Data[i] != outW.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("window should change late-position outputs")
	}
}

// TestAttentionGroupedQueryMatchesFullHeads checks the grouped-query
// equivalence property end to end: fewer kv heads with the expansion step
// must match a full-head block whose kv projections replicate the grouped
// weights for every head.
func TestAttentionGroupedQueryMatchesFullHeads(t *testing.T) {
	grouped := newTestAttention(t, 2, 1, 4, 0, 16)
	full := newTestAttention(t, 2, 2, 4, 0, 16)
	full.wq = grouped.wq
	full.wo = grouped.wo
	full.wk = repeatKVColumns(grouped.wk, 2)
	full.wv = repeatKVColumns(grouped.wv, 2)

	x := tensor.New(1, 5, 8)
	tensor.FillRand(x, 8)

	outG, err := grouped.Forward(x, nil, -1, 0)
	if err != nil {
		t.Fatalf("grouped: %v", err)
	}
	outF, err := full.Forward(x, nil, -1, 0)
	if err != nil {
		t.Fatalf("full heads: %v", err)
	}
	compareSlices(t, outG.Data, outF.Data, 1e-5)
}

// repeatKVColumns tiles a (embed, headDim) kv projection so each of `groups`
// kv heads gets an identical copy of the columns.
func repeatKVColumns(w *tensor.Tensor, groups int) *tensor.Tensor {
	rows, cols := w.Shape[0], w.Shape[1]
	out := tensor.New(rows, cols*groups)
	for r := 0; r < rows; r++ {
		src := w.Data[r*cols : (r+1)*cols]
		for g := 0; g < groups; g++ {
			dst := r*cols*groups + g*cols
			copy(out.Data[dst:dst+cols], src)
		}
	}
	return out
}

func TestAttentionInputErrors(t *testing.T) {
	a := newTestAttention(t, 2, 1, 4, 0, 16)
	if _, err := a.Forward(tensor.New(4, 8), nil, -1, 0); err == nil {
		t.Fatal("expected rank error")
	}
	if _, err := a.Forward(tensor.New(1, 4, 6), nil, -1, 0); err == nil {
		t.Fatal("expected embed dim error")
	}
	cache, _ := NewKVCache(1, 1, 1, 4, 16)
	if _, err := a.Forward(tensor.New(1, 4, 8), cache, -1, 0); err == nil {
		t.Fatal("expected error for cache without layer index")
	}
	if _, err := a.Forward(tensor.New(1, 4, 8), nil, -1, -1); err == nil {
		t.Fatal("expected error for negative offset")
	}
}
