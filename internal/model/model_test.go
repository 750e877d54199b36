package model

import (
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		MaxSeqLen:         16,
		VocabSize:         17,
		NumLayers:         3,
		NumHeads:          2,
		NumKVHeads:        1,
		EmbedDim:          8,
		FFNDim:            16,
		WindowPattern:     "SF",
		WindowSize:        3,
		ValueEmbedPattern: "V-",
		X0Scales:          []float32{0.5, 0, 0.5},
		LogitSoftcap:      5,
	}
}

func newTestModel(t *testing.T) *Model {
	t.Helper()
	cfg := testConfig()
	m, err := New(cfg, NewRandomWeights(cfg, 42))
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return m
}

func TestModelConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero layers", func(c *Config) { c.NumLayers = 0 }},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"embed not divisible", func(c *Config) { c.EmbedDim = 9 }},
		{"odd head dim", func(c *Config) { c.EmbedDim = 6 }},
		{"kv heads exceed heads", func(c *Config) { c.NumKVHeads = 3 }},
		{"bad window pattern", func(c *Config) { c.WindowPattern = "SX" }},
		{"sliding without window size", func(c *Config) { c.WindowSize = 0 }},
		{"bad value pattern", func(c *Config) { c.ValueEmbedPattern = "Vx" }},
		{"x0 length mismatch", func(c *Config) { c.X0Scales = []float32{1} }},
		{"negative softcap", func(c *Config) { c.LogitSoftcap = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if _, err := New(cfg, NewRandomWeights(testConfig(), 1)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestModelForwardShapeAndDeterminism(t *testing.T) {
	m := newTestModel(t)
	ids := [][]int{{1, 2, 3}, {4, 5, 6}}

	out1, err := m.Forward(ids)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if out1.Shape[0] != 2 || out1.Shape[1] != 3 || out1.Shape[2] != 17 {
		t.Fatalf("unexpected logits shape %v", out1.Shape)
	}

	out2, err := m.Forward(ids)
	if err != nil {
		t.Fatalf("forward again: %v", err)
	}
	compareSlices(t, out1.Data, out2.Data, 0)
}

func TestModelSoftcapBoundsLogits(t *testing.T) {
	m := newTestModel(t)
	out, err := m.Forward([][]int{{1, 2, 3, 4, 5}})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i, v := range out.Data {
		if v > 5 || v < -5 {
			t.Fatalf("logit %d escapes softcap: %v", i, v)
		}
	}
}

// TestModelCachedMatchesFull is the core incremental-decode check: priming a
// cache with a prefix and stepping one token at a time must reproduce the
// logits of a single uncached pass, across sliding windows, grouped kv heads,
// value embeddings and the x0 skip path.
func TestModelCachedMatchesFull(t *testing.T) {
	m := newTestModel(t)
	ids := []int{3, 1, 4, 1, 5, 9, 2, 6}

	full, err := m.Forward([][]int{ids})
	if err != nil {
		t.Fatalf("full forward: %v", err)
	}

	cache, err := m.NewCache(1)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	prime := 5
	out, err := m.ForwardWithCache([][]int{ids[:prime]}, cache)
	if err != nil {
		t.Fatalf("prime forward: %v", err)
	}
	vocab := m.Config().VocabSize
	for p := 0; p < prime; p++ {
		compareSlices(t, out.Data[p*vocab:(p+1)*vocab], full.Data[p*vocab:(p+1)*vocab], 1e-4)
	}

	for p := prime; p < len(ids); p++ {
		out, err = m.ForwardWithCache([][]int{{ids[p]}}, cache)
		if err != nil {
			t.Fatalf("step %d: %v", p, err)
		}
		compareSlices(t, out.Data, full.Data[p*vocab:(p+1)*vocab], 1e-4)
	}
	if cache.Len() != len(ids) {
		t.Fatalf("cache length %d, want %d", cache.Len(), len(ids))
	}
}

func TestModelForwardErrors(t *testing.T) {
	m := newTestModel(t)
	if _, err := m.Forward(nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
	if _, err := m.Forward([][]int{{}}); err == nil {
		t.Fatal("expected error for empty sequence")
	}
	if _, err := m.Forward([][]int{{1, 2}, {3}}); err == nil {
		t.Fatal("expected error for ragged batch")
	}
	if _, err := m.Forward([][]int{{17}}); err == nil {
		t.Fatal("expected error for out-of-range token")
	}
	if _, err := m.ForwardWithCache([][]int{{1}}, nil); err == nil {
		t.Fatal("expected error for nil cache")
	}

	long := make([]int, 17)
	if _, err := m.Forward([][]int{long}); err == nil {
		t.Fatal("expected error past max sequence length")
	}
}

func TestModelCacheOverflowAndRecovery(t *testing.T) {
	m := newTestModel(t)
	cache, err := m.NewCache(1)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	full := make([]int, 16)
	if _, err := m.ForwardWithCache([][]int{full}, cache); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if _, err := m.ForwardWithCache([][]int{{1}}, cache); err == nil {
		t.Fatal("expected overflow error")
	}
	// The caller recovers by clearing and re-priming.
	cache.Clear()
	if _, err := m.ForwardWithCache([][]int{{1, 2}}, cache); err != nil {
		t.Fatalf("forward after clear: %v", err)
	}
	if cache.Len() != 2 {
		t.Fatalf("cache length %d after recovery, want 2", cache.Len())
	}
}

func TestModelMissingValueTable(t *testing.T) {
	cfg := testConfig()
	w := NewRandomWeights(cfg, 1)
	w.Layers[0].ValueTable = nil
	_, err := New(cfg, w)
	if err == nil || !strings.Contains(err.Error(), "value") {
		t.Fatalf("expected value table error, got %v", err)
	}
}
