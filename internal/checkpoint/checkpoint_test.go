package checkpoint

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testTensors() []Tensor {
	return []Tensor{
		{Name: "embed.weight", Dims: []int{4, 3}, Data: []float32{
			0.5, -1.25, 2, 0, 3.5, -0.75, 1, -2, 0.25, 4, -4, 0.125,
		}},
		{Name: "decoder_0.attn.qkv", Dims: []int{6}, Data: []float32{1, 2, 3, 4, 5, 6}},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stage0.ntcp")
	shard := Shard{PPRank: 1, PPSize: 2, TPRank: 0, TPSize: 1}
	if err := Save(path, shard, F32, testTensors()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Shard != shard {
		t.Errorf("shard = %+v, want %+v", f.Shard, shard)
	}
	if f.DType != F32 {
		t.Errorf("dtype = %v, want f32", f.DType)
	}
	names := f.Names()
	if len(names) != 2 || names[0] != "embed.weight" || names[1] != "decoder_0.attn.qkv" {
		t.Fatalf("names = %v", names)
	}
	for _, want := range testTensors() {
		got, ok := f.Tensor(want.Name)
		if !ok {
			t.Fatalf("tensor %q missing", want.Name)
		}
		if len(got.Dims) != len(want.Dims) {
			t.Fatalf("%s dims = %v, want %v", want.Name, got.Dims, want.Dims)
		}
		for i := range want.Dims {
			if got.Dims[i] != want.Dims[i] {
				t.Fatalf("%s dims = %v, want %v", want.Name, got.Dims, want.Dims)
			}
		}
		for i := range want.Data {
			if got.Data[i] != want.Data[i] {
				t.Errorf("%s[%d] = %v, want %v", want.Name, i, got.Data[i], want.Data[i])
			}
		}
	}
}

// Values exactly representable in half precision must survive an f16
// round trip bit for bit.
func TestSaveLoadHalfPrecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "half.ntcp")
	if err := Save(path, Shard{PPSize: 1, TPSize: 1}, F16, testTensors()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.DType != F16 {
		t.Errorf("dtype = %v, want f16", f.DType)
	}
	for _, want := range testTensors() {
		got, _ := f.Tensor(want.Name)
		if got == nil {
			t.Fatalf("tensor %q missing", want.Name)
		}
		for i := range want.Data {
			if got.Data[i] != want.Data[i] {
				t.Errorf("%s[%d] = %v, want %v", want.Name, i, got.Data[i], want.Data[i])
			}
		}
	}
}

func TestSaveRejectsBadTensors(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		tensors []Tensor
		want    string
	}{
		{"unnamed", []Tensor{{Dims: []int{1}, Data: []float32{1}}}, "no name"},
		{"dims mismatch", []Tensor{{Name: "w", Dims: []int{3}, Data: []float32{1}}}, "3 values"},
		{"duplicate", []Tensor{
			{Name: "w", Dims: []int{1}, Data: []float32{1}},
			{Name: "w", Dims: []int{1}, Data: []float32{2}},
		}, "duplicate"},
	}
	for _, tc := range cases {
		err := Save(filepath.Join(dir, tc.name+".ntcp"), Shard{}, F32, tc.tensors)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
		} else if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestLoadRejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad-magic.ntcp")
	if err := os.WriteFile(bad, []byte("GGUFxxxxyyyyzzzz"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "magic") {
		t.Errorf("bad magic: got %v", err)
	}

	good := filepath.Join(dir, "good.ntcp")
	if err := Save(good, Shard{PPSize: 1, TPSize: 1}, F32, testTensors()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(good)
	if err != nil {
		t.Fatal(err)
	}
	short := filepath.Join(dir, "short.ntcp")
	if err := os.WriteFile(short, raw[:len(raw)-20], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(short); err == nil || !strings.Contains(err.Error(), "out of bounds") {
		t.Errorf("truncated payload: got %v", err)
	}

	header := filepath.Join(dir, "header.ntcp")
	if err := os.WriteFile(header, raw[:10], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(header); err == nil || !strings.Contains(err.Error(), "truncated") {
		t.Errorf("truncated header: got %v", err)
	}
}

func TestNaNPayloadRoundTrips(t *testing.T) {
	// The loader does not sanitize values, callers validate after
	// placement.
	path := filepath.Join(t.TempDir(), "nan.ntcp")
	tensors := []Tensor{{Name: "w", Dims: []int{1}, Data: []float32{float32(math.NaN())}}}
	if err := Save(path, Shard{PPSize: 1, TPSize: 1}, F32, tensors); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, _ := f.Tensor("w")
	if got == nil || len(got.Data) != 1 || !math.IsNaN(float64(got.Data[0])) {
		t.Errorf("NaN payload did not round trip: %+v", got)
	}
}
