package model

import (
	"math"

	"nanochat/internal/tensor"
)

// rmsNorm rescales each vector along the last axis by the root of its mean
// square. It carries no learnable parameters; this matches the reference
// architecture, which normalizes without scale or bias.
func rmsNorm(x *tensor.Tensor, eps float64) *tensor.Tensor {
	out := x.Clone()
	rmsNormInPlace(out, eps)
	return out
}

func rmsNormInPlace(x *tensor.Tensor, eps float64) {
	n := x.Shape[len(x.Shape)-1]
	rows := len(x.Data) / n
	for r := 0; r < rows; r++ {
		row := x.Data[r*n : (r+1)*n]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		inv := float32(1.0 / math.Sqrt(ss/float64(n)+eps))
		for i := range row {
			row[i] *= inv
		}
	}
}
