package tensor

import (
	"math"
	"testing"
)

func TestMatMul2MatchesReference(t *testing.T) {
	x := New(2, 3, 4)
	w := New(4, 5)
	FillRand(x, 1)
	FillRand(w, 2)

	got, err := MatMul2(x, w)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	if got.Shape[0] != 2 || got.Shape[1] != 3 || got.Shape[2] != 5 {
		t.Fatalf("unexpected output shape %v", got.Shape)
	}

	for b := 0; b < 2; b++ {
		for i := 0; i < 3; i++ {
			for j := 0; j < 5; j++ {
				var want float32
				for k := 0; k < 4; k++ {
					want += x.At(b, i, k) * w.At(k, j)
				}
				if diff := got.At(b, i, j) - want; diff > 1e-5 || diff < -1e-5 {
					t.Fatalf("mismatch at (%d,%d,%d): got %v want %v", b, i, j, got.At(b, i, j), want)
				}
			}
		}
	}
}

func TestMatMul2ShapeMismatch(t *testing.T) {
	x := New(2, 3)
	w := New(4, 5)
	if _, err := MatMul2(x, w); err == nil {
		t.Fatal("expected inner dimension mismatch error")
	}
}

func TestBatchMatMulTAgainstBatchMatMul(t *testing.T) {
	a := New(1, 2, 3, 4)
	b := New(1, 2, 5, 4)
	FillRand(a, 3)
	FillRand(b, 4)

	got, err := BatchMatMulT(a, b)
	if err != nil {
		t.Fatalf("matmulT: %v", err)
	}

	// Transpose b's last two axes by hand and multiply the slow way.
	bt := New(1, 2, 4, 5)
	for h := 0; h < 2; h++ {
		for i := 0; i < 5; i++ {
			for j := 0; j < 4; j++ {
				bt.SetAt(b.At(0, h, i, j), 0, h, j, i)
			}
		}
	}
	want, err := BatchMatMul(a, bt)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	compareSlices(t, got.Data, want.Data, 1e-5)
}

func TestTranspose12RoundTrip(t *testing.T) {
	x := New(2, 3, 4, 5)
	FillRand(x, 7)
	y, err := Transpose12(x)
	if err != nil {
		t.Fatalf("transpose: %v", err)
	}
	if y.Shape[1] != 4 || y.Shape[2] != 3 {
		t.Fatalf("unexpected shape %v", y.Shape)
	}
	z, err := Transpose12(y)
	if err != nil {
		t.Fatalf("transpose back: %v", err)
	}
	compareSlices(t, z.Data, x.Data, 0)
}

func TestConcatSeq(t *testing.T) {
	a := New(1, 2, 3, 4)
	b := New(1, 2, 2, 4)
	FillRand(a, 5)
	FillRand(b, 6)

	c, err := ConcatSeq(a, b)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if c.Shape[2] != 5 {
		t.Fatalf("unexpected seq length %d", c.Shape[2])
	}
	for h := 0; h < 2; h++ {
		for s := 0; s < 5; s++ {
			for d := 0; d < 4; d++ {
				var want float32
				if s < 3 {
					want = a.At(0, h, s, d)
				} else {
					want = b.At(0, h, s-3, d)
				}
				if c.At(0, h, s, d) != want {
					t.Fatalf("mismatch at (%d,%d,%d)", h, s, d)
				}
			}
		}
	}

	bad := New(1, 3, 2, 4)
	if _, err := ConcatSeq(a, bad); err == nil {
		t.Fatal("expected head count mismatch error")
	}
}

func TestSoftmaxLast(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	if err != nil {
		t.Fatalf("from slice: %v", err)
	}
	SoftmaxLast(x)
	for r := 0; r < 2; r++ {
		sum := x.At(r, 0) + x.At(r, 1)
		if math.Abs(float64(sum)-1) > 1e-6 {
			t.Fatalf("row %d does not sum to 1: %v", r, sum)
		}
		if x.At(r, 1) <= x.At(r, 0) {
			t.Fatalf("row %d not monotone", r)
		}
	}

	neg := float32(math.Inf(-1))
	y, _ := FromSlice([]float32{neg, neg, neg}, 1, 3)
	SoftmaxLast(y)
	for i, v := range y.Data {
		if v != 0 {
			t.Fatalf("fully masked row should be zero, got %v at %d", v, i)
		}
	}
}

func TestReluSquare(t *testing.T) {
	x, _ := FromSlice([]float32{-2, -0.5, 0, 0.5, 3}, 5)
	ReluSquare(x)
	want := []float32{0, 0, 0, 0.25, 9}
	compareSlices(t, x.Data, want, 1e-6)
}

func TestAddMask(t *testing.T) {
	scores := New(1, 2, 2, 2)
	mask := New(2, 2)
	mask.Data[1] = float32(math.Inf(-1))
	if err := AddMask(scores, mask); err != nil {
		t.Fatalf("add mask: %v", err)
	}
	for h := 0; h < 2; h++ {
		if !math.IsInf(float64(scores.At(0, h, 0, 1)), -1) {
			t.Fatalf("mask not applied to head %d", h)
		}
	}
}

// TestAddMaskShapeMismatch: a mask that does not line up must error, never
// silently leave the scores unmasked.
func TestAddMaskShapeMismatch(t *testing.T) {
	if err := AddMask(New(2, 2), New(2, 2)); err == nil {
		t.Fatal("expected rank error for 2-D scores")
	}
	if err := AddMask(New(1, 2, 2, 2), New(2, 2, 2)); err == nil {
		t.Fatal("expected rank error for 3-D mask")
	}
	if err := AddMask(New(1, 2, 2, 2), New(3, 2)); err == nil {
		t.Fatal("expected size error for mismatched mask")
	}
}

func compareSlices(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		g, w := got[i], want[i]
		if g < w-tol || g > w+tol {
			t.Fatalf("mismatch at %d: got %v want %v±%v", i, g, w, tol)
		}
	}
}
