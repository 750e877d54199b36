package model

import (
	"math"
	"testing"

	"nanochat/internal/tensor"
)

func TestValueEmbeddingAddAt(t *testing.T) {
	table := tensor.New(8, 4)
	tensor.FillRand(table, 1)
	ve, err := NewValueEmbedding(table, 0.3, layoutSeqHeads)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	v := tensor.New(1, 2, 3, 4) // (batch, seq, heads, headDim)
	if err := ve.AddAt(v, 5); err != nil {
		t.Fatalf("add: %v", err)
	}

	g := float32(1.0 / (1.0 + math.Exp(-0.3)))
	for s := 0; s < 2; s++ {
		for h := 0; h < 3; h++ {
			for d := 0; d < 4; d++ {
				want := g * table.At(5+s, d)
				if got := v.At(0, s, h, d); got < want-1e-6 || got > want+1e-6 {
					t.Fatalf("(%d,%d,%d): got %v want %v", s, h, d, got, want)
				}
			}
		}
	}
}

func TestValueEmbeddingHeadsSeqLayout(t *testing.T) {
	table := tensor.New(4, 2)
	tensor.FillRand(table, 2)
	ve, err := NewValueEmbedding(table, 0, layoutHeadsSeq)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	v := tensor.New(1, 3, 2, 2) // (batch, heads, seq, headDim)
	if err := ve.AddAt(v, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Gate 0 sigmoids to 0.5.
	for h := 0; h < 3; h++ {
		for s := 0; s < 2; s++ {
			for d := 0; d < 2; d++ {
				want := 0.5 * table.At(1+s, d)
				if got := v.At(0, h, s, d); got < want-1e-6 || got > want+1e-6 {
					t.Fatalf("(%d,%d,%d): got %v want %v", h, s, d, got, want)
				}
			}
		}
	}
}

func TestValueEmbeddingErrors(t *testing.T) {
	table := tensor.New(4, 2)
	ve, err := NewValueEmbedding(table, 0, layoutSeqHeads)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ve.AddAt(tensor.New(1, 3, 1, 2), 2); err == nil {
		t.Fatal("expected error past table maximum")
	}
	if err := ve.AddAt(tensor.New(1, 1, 1, 3), 0); err == nil {
		t.Fatal("expected head dim mismatch error")
	}
	if err := ve.AddAt(tensor.New(1, 1, 2), 0); err == nil {
		t.Fatal("expected rank error")
	}
	if _, err := NewValueEmbedding(tensor.New(4), 0, layoutSeqHeads); err == nil {
		t.Fatal("expected rank error for table")
	}
}
