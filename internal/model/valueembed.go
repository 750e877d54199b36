package model

import (
	"fmt"

	"nanochat/internal/tensor"
)

// valueLayout fixes the axis ordering a ValueEmbedding expects, set once at
// attention-block construction instead of sniffing shapes at call time.
type valueLayout int

const (
	// layoutSeqHeads is (batch, seq, heads, headDim).
	layoutSeqHeads valueLayout = iota
	// layoutHeadsSeq is (batch, heads, seq, headDim).
	layoutHeadsSeq
)

// ValueEmbedding is a learned per-position bias added to attention value
// vectors, scaled by a sigmoid-bounded gate. The sigmoid keeps the gate in
// (0,1) to match checkpoint semantics from training.
type ValueEmbedding struct {
	table  *tensor.Tensor // (maxSeqLen, headDim)
	gate   float32
	layout valueLayout
}

// NewValueEmbedding wraps a (maxSeqLen, headDim) table and its raw gate.
func NewValueEmbedding(table *tensor.Tensor, gate float32, layout valueLayout) (*ValueEmbedding, error) {
	if table.Rank() != 2 {
		return nil, fmt.Errorf("value embedding table must be 2-D, got shape %v", table.Shape)
	}
	if layout != layoutSeqHeads && layout != layoutHeadsSeq {
		return nil, fmt.Errorf("invalid value embedding layout %d", layout)
	}
	return &ValueEmbedding{table: table, gate: gate, layout: layout}, nil
}

// AddAt injects the gated embedding rows for absolute positions
// [start, start+seq) into v in place, where seq is v's sequence extent. A
// full-sequence pass uses start 0; incremental decode passes the cache
// length so each new token picks up the row for its absolute position.
func (e *ValueEmbedding) AddAt(v *tensor.Tensor, start int) error {
	if v.Rank() != 4 {
		return fmt.Errorf("value tensor must be 4-D, got shape %v", v.Shape)
	}
	if start < 0 {
		return fmt.Errorf("negative start position %d", start)
	}
	if v.Shape[3] != e.table.Shape[1] {
		return fmt.Errorf("head dim mismatch: values %d vs table %d", v.Shape[3], e.table.Shape[1])
	}

	seqAxis := 1
	if e.layout == layoutHeadsSeq {
		seqAxis = 2
	}
	seq := v.Shape[seqAxis]
	if start+seq > e.table.Shape[0] {
		return fmt.Errorf("position %d exceeds value embedding table maximum %d", start+seq-1, e.table.Shape[0]-1)
	}

	g := tensor.Sigmoid(e.gate)
	dim := e.table.Shape[1]
	for b := 0; b < v.Shape[0]; b++ {
		for i := 0; i < v.Shape[1]; i++ {
			for j := 0; j < v.Shape[2]; j++ {
				pos := i
				if e.layout == layoutHeadsSeq {
					pos = j
				}
				row := e.table.Data[(start+pos)*dim : (start+pos+1)*dim]
				off := ((b*v.Shape[1]+i)*v.Shape[2] + j) * dim
				vec := v.Data[off : off+dim]
				for d := range vec {
					vec[d] += g * row[d]
				}
			}
		}
	}
	return nil
}
