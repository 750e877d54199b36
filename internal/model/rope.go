package model

import (
	"fmt"
	"math"

	"nanochat/internal/tensor"
)

// Rope holds precomputed rotation tables for rotary position encoding. The
// tables are derived solely from the head width and frequency base, built
// once at model construction and shared read-only by every forward call.
//
// The split-halves convention is used: feature i in the first half of a head
// vector pairs with feature i+headDim/2, and the pair is rotated by
// pos · base^(-2i/headDim).
type Rope struct {
	cos []float32 // (maxSeqLen, headDim), both halves carry the same angle
	sin []float32
	max int
	dim int
}

// NewRope precomputes rotation tables for positions [0, maxSeqLen).
func NewRope(headDim, maxSeqLen int, base float64) (*Rope, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("head dim must be positive and even, got %d", headDim)
	}
	if maxSeqLen <= 0 {
		return nil, fmt.Errorf("max sequence length must be positive, got %d", maxSeqLen)
	}
	if base <= 0 {
		return nil, fmt.Errorf("rope base must be positive, got %g", base)
	}

	half := headDim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = math.Pow(base, -float64(2*i)/float64(headDim))
	}

	cos := make([]float32, maxSeqLen*headDim)
	sin := make([]float32, maxSeqLen*headDim)
	for pos := 0; pos < maxSeqLen; pos++ {
		row := pos * headDim
		for i := 0; i < half; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			cos[row+i], cos[row+i+half] = c, c
			sin[row+i], sin[row+i+half] = s, s
		}
	}

	return &Rope{cos: cos, sin: sin, max: maxSeqLen, dim: headDim}, nil
}

// Apply rotates x in place for absolute positions [offset, offset+T), where
// x has shape (batch, T, heads, headDim). The offset form is what makes
// incremental decode steps land on the correct absolute positions.
func (r *Rope) Apply(x *tensor.Tensor, offset int) error {
	if x.Rank() != 4 {
		return fmt.Errorf("rope expects a 4-D tensor, got shape %v", x.Shape)
	}
	if x.Shape[3] != r.dim {
		return fmt.Errorf("head dim mismatch: tensor %d vs table %d", x.Shape[3], r.dim)
	}
	if offset < 0 {
		return fmt.Errorf("negative position offset %d", offset)
	}
	batch, seq, heads := x.Shape[0], x.Shape[1], x.Shape[2]
	if offset+seq > r.max {
		return fmt.Errorf("position %d exceeds rope table maximum %d", offset+seq-1, r.max-1)
	}

	half := r.dim / 2
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			table := (offset + t) * r.dim
			cosRow := r.cos[table : table+r.dim]
			sinRow := r.sin[table : table+r.dim]
			for h := 0; h < heads; h++ {
				off := ((b*seq+t)*heads + h) * r.dim
				vec := x.Data[off : off+r.dim]
				for i := 0; i < half; i++ {
					x1, x2 := vec[i], vec[i+half]
					vec[i] = x1*cosRow[i] - x2*sinRow[i]
					vec[i+half] = x2*cosRow[i+half] + x1*sinRow[i+half]
				}
			}
		}
	}
	return nil
}

// MaxSeqLen returns the highest position count the tables cover.
func (r *Rope) MaxSeqLen() int { return r.max }
