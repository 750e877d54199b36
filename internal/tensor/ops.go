package tensor

import (
	"fmt"
	"math"
)

// MatMul2 multiplies x by a 2-D weight matrix w. The trailing axis of x must
// equal w's row count; every leading axis is treated as a batch of rows.
// Result shape is x's shape with the last axis replaced by w's column count.
func MatMul2(x *Tensor, w *Tensor) (*Tensor, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("weight must be 2-D, got shape %v", w.Shape)
	}
	if x.Rank() < 1 {
		return nil, fmt.Errorf("input must have at least one axis")
	}
	k := x.Shape[len(x.Shape)-1]
	if k != w.Shape[0] {
		return nil, fmt.Errorf("inner dimension mismatch: input %v vs weight %v", x.Shape, w.Shape)
	}
	n := w.Shape[1]
	rows := len(x.Data) / k

	outShape := append([]int(nil), x.Shape...)
	outShape[len(outShape)-1] = n
	out := New(outShape...)

	for r := 0; r < rows; r++ {
		xr := x.Data[r*k : (r+1)*k]
		or := out.Data[r*n : (r+1)*n]
		for i, xv := range xr {
			if xv == 0 {
				continue
			}
			wr := w.Data[i*n : (i+1)*n]
			for j, wv := range wr {
				or[j] += xv * wv
			}
		}
	}
	return out, nil
}

// BatchMatMul multiplies a (B, H, m, k) by b (B, H, k, n), batched over the
// two leading axes.
func BatchMatMul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 4 || b.Rank() != 4 {
		return nil, fmt.Errorf("batch matmul expects 4-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[1] != b.Shape[1] || a.Shape[3] != b.Shape[2] {
		return nil, fmt.Errorf("batch matmul shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	batch := a.Shape[0] * a.Shape[1]
	m, k, n := a.Shape[2], a.Shape[3], b.Shape[3]

	out := New(a.Shape[0], a.Shape[1], m, n)
	for g := 0; g < batch; g++ {
		ab := a.Data[g*m*k : (g+1)*m*k]
		bb := b.Data[g*k*n : (g+1)*k*n]
		ob := out.Data[g*m*n : (g+1)*m*n]
		for i := 0; i < m; i++ {
			ar := ab[i*k : (i+1)*k]
			or := ob[i*n : (i+1)*n]
			for p, av := range ar {
				if av == 0 {
					continue
				}
				br := bb[p*n : (p+1)*n]
				for j, bv := range br {
					or[j] += av * bv
				}
			}
		}
	}
	return out, nil
}

// BatchMatMulT multiplies a (B, H, m, d) by the transpose of b (B, H, n, d),
// yielding (B, H, m, n). This is the q·kᵗ kernel.
func BatchMatMulT(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 4 || b.Rank() != 4 {
		return nil, fmt.Errorf("batch matmul expects 4-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[1] != b.Shape[1] || a.Shape[3] != b.Shape[3] {
		return nil, fmt.Errorf("batch matmul shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	batch := a.Shape[0] * a.Shape[1]
	m, d, n := a.Shape[2], a.Shape[3], b.Shape[2]

	out := New(a.Shape[0], a.Shape[1], m, n)
	for g := 0; g < batch; g++ {
		ab := a.Data[g*m*d : (g+1)*m*d]
		bb := b.Data[g*n*d : (g+1)*n*d]
		ob := out.Data[g*m*n : (g+1)*m*n]
		for i := 0; i < m; i++ {
			ar := ab[i*d : (i+1)*d]
			or := ob[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				br := bb[j*d : (j+1)*d]
				var sum float32
				for p := range ar {
					sum += ar[p] * br[p]
				}
				or[j] = sum
			}
		}
	}
	return out, nil
}

// Transpose12 swaps axes 1 and 2 of a 4-D tensor, e.g. (B, T, H, D) to
// (B, H, T, D).
func Transpose12(t *Tensor) (*Tensor, error) {
	if t.Rank() != 4 {
		return nil, fmt.Errorf("transpose12 expects a 4-D tensor, got %v", t.Shape)
	}
	b, s, h, d := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := New(b, h, s, d)
	for bi := 0; bi < b; bi++ {
		for si := 0; si < s; si++ {
			for hi := 0; hi < h; hi++ {
				src := ((bi*s+si)*h + hi) * d
				dst := ((bi*h+hi)*s + si) * d
				copy(out.Data[dst:dst+d], t.Data[src:src+d])
			}
		}
	}
	return out, nil
}

// ConcatSeq concatenates two 4-D tensors along axis 2 (the sequence axis).
// All other axes must match.
func ConcatSeq(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 4 || b.Rank() != 4 {
		return nil, fmt.Errorf("concat expects 4-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[1] != b.Shape[1] || a.Shape[3] != b.Shape[3] {
		return nil, fmt.Errorf("concat shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	bs, h, d := a.Shape[0], a.Shape[1], a.Shape[3]
	ta, tb := a.Shape[2], b.Shape[2]
	out := New(bs, h, ta+tb, d)
	for g := 0; g < bs*h; g++ {
		dst := out.Data[g*(ta+tb)*d:]
		copy(dst[:ta*d], a.Data[g*ta*d:(g+1)*ta*d])
		copy(dst[ta*d:(ta+tb)*d], b.Data[g*tb*d:(g+1)*tb*d])
	}
	return out, nil
}

// SoftmaxLast applies a numerically stable softmax over the last axis in
// place. Rows that are entirely -Inf become all zero.
func SoftmaxLast(t *Tensor) {
	n := t.Shape[len(t.Shape)-1]
	rows := len(t.Data) / n
	for r := 0; r < rows; r++ {
		row := t.Data[r*n : (r+1)*n]
		maxv := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxv))
			row[i] = float32(e)
			sum += e
		}
		if sum == 0 {
			for i := range row {
				row[i] = 0
			}
			continue
		}
		inv := float32(1.0 / sum)
		for i := range row {
			row[i] *= inv
		}
	}
}

// AddInPlace adds b to a elementwise. Shapes must match exactly.
func AddInPlace(a, b *Tensor) error {
	if !a.SameShape(b) {
		return fmt.Errorf("add shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	for i, v := range b.Data {
		a.Data[i] += v
	}
	return nil
}

// AddScaledInPlace adds s*b to a elementwise.
func AddScaledInPlace(a, b *Tensor, s float32) error {
	if !a.SameShape(b) {
		return fmt.Errorf("add shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	for i, v := range b.Data {
		a.Data[i] += s * v
	}
	return nil
}

// ScaleInPlace multiplies every element by s.
func ScaleInPlace(t *Tensor, s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// AddMask adds a (Tq, Tk) additive mask to every (batch, head) plane of a
// (B, H, Tq, Tk) score tensor.
func AddMask(scores, mask *Tensor) error {
	if scores.Rank() != 4 || mask.Rank() != 2 {
		return fmt.Errorf("mask wants 4-D scores and a 2-D mask, got %v and %v", scores.Shape, mask.Shape)
	}
	tq, tk := scores.Shape[2], scores.Shape[3]
	if mask.Shape[0] != tq || mask.Shape[1] != tk {
		return fmt.Errorf("mask shape %v does not match scores %v", mask.Shape, scores.Shape)
	}
	planes := scores.Shape[0] * scores.Shape[1]
	for g := 0; g < planes; g++ {
		plane := scores.Data[g*tq*tk : (g+1)*tq*tk]
		for i, v := range mask.Data {
			plane[i] += v
		}
	}
	return nil
}

// Tanh applies tanh elementwise in place.
func Tanh(t *Tensor) {
	for i, v := range t.Data {
		t.Data[i] = float32(math.Tanh(float64(v)))
	}
}

// ReluSquare applies x -> relu(x)² elementwise in place.
func ReluSquare(t *Tensor) {
	for i, v := range t.Data {
		if v <= 0 {
			t.Data[i] = 0
		} else {
			t.Data[i] = v * v
		}
	}
}

// Sigmoid returns 1/(1+e^-x) for a scalar.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}
