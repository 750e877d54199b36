package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeFile builds a safetensors file from a header map and raw payload.
func writeFile(t *testing.T, header map[string]any, payload []byte) string {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.safetensors")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		t.Fatalf("write header length: %v", err)
	}
	if _, err := f.Write(headerBytes); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return path
}

func TestReadTensorF32(t *testing.T) {
	t.Parallel()
	values := []float32{1, -2, 3.5, 4}
	payload := make([]byte, 16)
	for i, v := range values {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	path := writeFile(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"w": map[string]any{
			"dtype":        "F32",
			"shape":        []int{2, 2},
			"data_offsets": []int64{0, 16},
		},
	}, payload)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(f.Tensors) != 1 {
		t.Fatalf("metadata should be excluded, got %d tensors", len(f.Tensors))
	}

	got, info, err := f.ReadTensorF32("w")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if info.Shape[0] != 2 || info.Shape[1] != 2 {
		t.Fatalf("unexpected shape %v", info.Shape)
	}
	for i, v := range values {
		if got[i] != v {
			t.Fatalf("element %d: got %f want %f", i, got[i], v)
		}
	}
}

func TestReadTensorHalfFormats(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 6)
	binary.LittleEndian.PutUint16(payload[0:], 0x3F80) // bf16 1.0
	binary.LittleEndian.PutUint16(payload[2:], 0xC000) // bf16 -2.0
	binary.LittleEndian.PutUint16(payload[4:], 0x3C00) // f16 1.0
	path := writeFile(t, map[string]any{
		"b": map[string]any{"dtype": "BF16", "shape": []int{2}, "data_offsets": []int64{0, 4}},
		"h": map[string]any{"dtype": "F16", "shape": []int{1}, "data_offsets": []int64{4, 6}},
	}, payload)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _, err := f.ReadTensorF32("b")
	if err != nil {
		t.Fatalf("read bf16: %v", err)
	}
	if b[0] != 1 || b[1] != -2 {
		t.Fatalf("bf16 decode: got %v", b)
	}
	h, _, err := f.ReadTensorF32("h")
	if err != nil {
		t.Fatalf("read f16: %v", err)
	}
	if h[0] != 1 {
		t.Fatalf("f16 decode: got %v", h)
	}
}

func TestReadScalarF32(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, math.Float32bits(0.25))
	path := writeFile(t, map[string]any{
		"gate": map[string]any{"dtype": "F32", "shape": []int{}, "data_offsets": []int64{0, 4}},
	}, payload)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	v, err := f.ReadScalarF32("gate")
	if err != nil {
		t.Fatalf("ReadScalarF32: %v", err)
	}
	if v != 0.25 {
		t.Fatalf("got %f want 0.25", v)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	if _, err := Open(filepath.Join(t.TempDir(), "missing.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}

	short := filepath.Join(t.TempDir(), "short.safetensors")
	if err := os.WriteFile(short, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(short); err == nil {
		t.Fatal("expected error for truncated file")
	}

	badOffsets := writeFile(t, map[string]any{
		"x": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{4, 0}},
	}, nil)
	if _, err := Open(badOffsets); err == nil {
		t.Fatal("expected error for inverted offsets")
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := writeFile(t, map[string]any{
		"i": map[string]any{"dtype": "I32", "shape": []int{2}, "data_offsets": []int64{0, 8}},
		"m": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{8, 16}},
	}, make([]byte, 16))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := f.ReadTensorF32("i"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
	if _, _, err := f.ReadTensorF32("m"); err == nil {
		t.Fatal("expected error for payload size mismatch")
	}
	if _, _, err := f.ReadTensorF32("missing"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}
