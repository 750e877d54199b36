package model

import (
	"testing"

	"nanochat/internal/tensor"
)

func TestKVCacheAppend(t *testing.T) {
	c, err := NewKVCache(2, 1, 2, 4, 8)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("empty cache length %d", c.Len())
	}
	if _, _, ok := c.Get(0); ok {
		t.Fatal("Get on empty layer should report not ok")
	}

	k1 := tensor.New(1, 2, 3, 4)
	v1 := tensor.New(1, 2, 3, 4)
	tensor.FillRand(k1, 1)
	tensor.FillRand(v1, 2)
	gotK, gotV, err := c.Update(0, k1, v1)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	compareSlices(t, gotK.Data, k1.Data, 0)
	compareSlices(t, gotV.Data, v1.Data, 0)
	if c.Len() != 3 {
		t.Fatalf("length after first update %d, want 3", c.Len())
	}

	// The first update stores a copy, not the caller's buffer.
	k1.Data[0] = 99
	stored, _, _ := c.Get(0)
	if stored.Data[0] == 99 {
		t.Fatal("cache aliases caller tensor")
	}

	k2 := tensor.New(1, 2, 1, 4)
	v2 := tensor.New(1, 2, 1, 4)
	tensor.FillRand(k2, 3)
	tensor.FillRand(v2, 4)
	gotK, _, err = c.Update(0, k2, v2)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if gotK.Shape[2] != 4 || c.Len() != 4 {
		t.Fatalf("length after append: tensor %d cache %d, want 4", gotK.Shape[2], c.Len())
	}
	for h := 0; h < 2; h++ {
		for d := 0; d < 4; d++ {
			if gotK.At(0, h, 3, d) != k2.At(0, h, 0, d) {
				t.Fatalf("appended row mismatch at head %d dim %d", h, d)
			}
		}
	}
}

func TestKVCacheLenFollowsLayerZero(t *testing.T) {
	c, err := NewKVCache(2, 1, 1, 4, 8)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	k := tensor.New(1, 1, 2, 4)
	if _, _, err := c.Update(1, k, k); err != nil {
		t.Fatalf("update layer 1: %v", err)
	}
	// Layer 0 is the ground truth; layer 1 alone does not advance it.
	if c.Len() != 0 {
		t.Fatalf("length %d, want 0 until layer 0 is updated", c.Len())
	}
	if _, _, err := c.Update(0, k, k); err != nil {
		t.Fatalf("update layer 0: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("length %d, want 2", c.Len())
	}
}

func TestKVCacheShapeMismatch(t *testing.T) {
	c, err := NewKVCache(1, 1, 2, 4, 8)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	good := tensor.New(1, 2, 1, 4)
	for _, bad := range []*tensor.Tensor{
		tensor.New(2, 2, 1, 4), // batch
		tensor.New(1, 3, 1, 4), // kv heads
		tensor.New(1, 2, 1, 8), // head dim
		tensor.New(1, 2, 4),    // rank
	} {
		if _, _, err := c.Update(0, bad, good); err == nil {
			t.Fatalf("expected shape error for %v", bad.Shape)
		}
	}
	if _, _, err := c.Update(5, good, good); err == nil {
		t.Fatal("expected layer range error")
	}
}

func TestKVCacheOverflowAndClear(t *testing.T) {
	c, err := NewKVCache(1, 1, 1, 2, 4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	k := tensor.New(1, 1, 3, 2)
	if _, _, err := c.Update(0, k, k); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, _, err := c.Update(0, k, k); err == nil {
		t.Fatal("expected overflow error")
	}
	// Overflow must not corrupt the stored history.
	if c.Len() != 3 {
		t.Fatalf("length %d after rejected update, want 3", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("length %d after clear, want 0", c.Len())
	}
	if _, _, err := c.Update(0, k, k); err != nil {
		t.Fatalf("update after clear: %v", err)
	}
}
