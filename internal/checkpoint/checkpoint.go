// Package checkpoint reads and writes weight shard files. Each pipeline
// stage / tensor shard pair saves its locally owned tensors into one
// file: a fixed header carrying the shard coordinates, a tensor table
// (name, dtype, dims, offset), then the payloads aligned to 32 bytes.
// All integers are little-endian.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/x448/float16"
)

const (
	// "NTCP" in little-endian byte order.
	fileMagic   = 0x5043544e
	fileVersion = 1
	dataAlign   = 32
)

type DType uint32

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	}
	return fmt.Sprintf("dtype(%d)", uint32(d))
}

func (d DType) elemSize() (uint64, error) {
	switch d {
	case F32:
		return 4, nil
	case F16:
		return 2, nil
	}
	return 0, fmt.Errorf("checkpoint: unknown dtype %d", uint32(d))
}

// Shard identifies which slice of the model a file holds.
type Shard struct {
	PPRank int
	PPSize int
	TPRank int
	TPSize int
}

// Tensor is one named weight with its logical shape. Data is always
// float32 in memory; the dtype chosen at save time only affects the
// bytes on disk.
type Tensor struct {
	Name string
	Dims []int
	Data []float32
}

func (t *Tensor) numElements() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// File is a parsed shard checkpoint.
type File struct {
	Shard Shard
	DType DType

	names   []string
	tensors map[string]*Tensor
}

// Names lists the stored tensors in file order.
func (f *File) Names() []string {
	return append([]string(nil), f.names...)
}

func (f *File) Tensor(name string) (*Tensor, bool) {
	t, ok := f.tensors[name]
	return t, ok
}

func alignUp(n uint64) uint64 {
	if rem := n % dataAlign; rem != 0 {
		return n + dataAlign - rem
	}
	return n
}

// Save writes tensors to path. Tensor order is preserved, so a reader
// sees the same sequence Names() would report.
func Save(path string, shard Shard, dtype DType, tensors []Tensor) error {
	elem, err := dtype.elemSize()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(tensors))
	offsets := make([]uint64, len(tensors))
	var cursor uint64
	for i := range tensors {
		t := &tensors[i]
		if t.Name == "" {
			return fmt.Errorf("checkpoint: tensor %d has no name", i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("checkpoint: duplicate tensor %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if len(t.Data) != t.numElements() {
			return fmt.Errorf("checkpoint: tensor %q has %d values for dims %v", t.Name, len(t.Data), t.Dims)
		}
		cursor = alignUp(cursor)
		offsets[i] = cursor
		cursor += uint64(len(t.Data)) * elem
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	w := bufio.NewWriter(f)

	// Header: magic, version, dtype, shard coordinates, tensor count.
	written := uint64(0)
	put := func(v any) error {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
		written += uint64(binary.Size(v))
		return nil
	}
	fields := []any{
		uint32(fileMagic), uint32(fileVersion), uint32(dtype),
		int32(shard.PPRank), int32(shard.PPSize),
		int32(shard.TPRank), int32(shard.TPSize),
		uint64(len(tensors)),
	}
	for _, v := range fields {
		if err := put(v); err != nil {
			return saveFail(f, path, err)
		}
	}

	for i := range tensors {
		t := &tensors[i]
		if err := put(uint64(len(t.Name))); err != nil {
			return saveFail(f, path, err)
		}
		if _, err := w.WriteString(t.Name); err != nil {
			return saveFail(f, path, err)
		}
		written += uint64(len(t.Name))
		entry := []any{uint32(dtype), uint32(len(t.Dims))}
		for _, d := range t.Dims {
			entry = append(entry, int64(d))
		}
		entry = append(entry, offsets[i])
		for _, v := range entry {
			if err := put(v); err != nil {
				return saveFail(f, path, err)
			}
		}
	}

	if err := pad(w, alignUp(written)-written); err != nil {
		return saveFail(f, path, err)
	}
	var dataWritten uint64
	for i := range tensors {
		if err := pad(w, alignUp(dataWritten)-dataWritten); err != nil {
			return saveFail(f, path, err)
		}
		dataWritten = alignUp(dataWritten)
		buf := encodePayload(tensors[i].Data, dtype)
		if _, err := w.Write(buf); err != nil {
			return saveFail(f, path, err)
		}
		dataWritten += uint64(len(buf))
	}

	if err := w.Flush(); err != nil {
		return saveFail(f, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func saveFail(f *os.File, path string, err error) error {
	f.Close()
	os.Remove(path)
	return fmt.Errorf("checkpoint: write %s: %w", path, err)
}

func pad(w *bufio.Writer, n uint64) error {
	for i := uint64(0); i < n; i++ {
		if err := w.WriteByte(0); err != nil {
			return err
		}
	}
	return nil
}

func encodePayload(data []float32, dtype DType) []byte {
	if dtype == F16 {
		buf := make([]byte, len(data)*2)
		for i, v := range data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
		return buf
	}
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Load parses the file at path and decodes every payload to float32.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	r := &reader{data: raw, path: path}

	magic, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if magic != fileMagic {
		return nil, fmt.Errorf("checkpoint: %s: bad magic %#x", path, magic)
	}
	version, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if version != fileVersion {
		return nil, fmt.Errorf("checkpoint: %s: unsupported version %d", path, version)
	}
	dtypeRaw, err := r.uint32()
	if err != nil {
		return nil, err
	}
	dtype := DType(dtypeRaw)
	elem, err := dtype.elemSize()
	if err != nil {
		return nil, err
	}

	f := &File{DType: dtype, tensors: make(map[string]*Tensor)}
	coords := []*int{&f.Shard.PPRank, &f.Shard.PPSize, &f.Shard.TPRank, &f.Shard.TPSize}
	for _, c := range coords {
		v, err := r.int32()
		if err != nil {
			return nil, err
		}
		*c = int(v)
	}
	count, err := r.uint64()
	if err != nil {
		return nil, err
	}

	type entry struct {
		tensor *Tensor
		offset uint64
	}
	entries := make([]entry, 0, count)
	for i := uint64(0); i < count; i++ {
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		entryDType, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if DType(entryDType) != dtype {
			return nil, fmt.Errorf("checkpoint: %s: tensor %q dtype %d differs from file dtype %s", path, name, entryDType, dtype)
		}
		ndims, err := r.uint32()
		if err != nil {
			return nil, err
		}
		dims := make([]int, ndims)
		for j := range dims {
			d, err := r.int64()
			if err != nil {
				return nil, err
			}
			if d <= 0 {
				return nil, fmt.Errorf("checkpoint: %s: tensor %q has dim %d", path, name, d)
			}
			dims[j] = int(d)
		}
		offset, err := r.uint64()
		if err != nil {
			return nil, err
		}
		if _, dup := f.tensors[name]; dup {
			return nil, fmt.Errorf("checkpoint: %s: duplicate tensor %q", path, name)
		}
		t := &Tensor{Name: name, Dims: dims}
		f.tensors[name] = t
		f.names = append(f.names, name)
		entries = append(entries, entry{tensor: t, offset: offset})
	}

	dataStart := alignUp(r.off)
	for _, e := range entries {
		t := e.tensor
		n := uint64(t.numElements())
		start := dataStart + e.offset
		end := start + n*elem
		if end > uint64(len(raw)) || start > end {
			return nil, fmt.Errorf("checkpoint: %s: tensor %q payload out of bounds", path, t.Name)
		}
		t.Data = decodePayload(raw[start:end], dtype)
	}
	return f, nil
}

func decodePayload(raw []byte, dtype DType) []float32 {
	if dtype == F16 {
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// reader walks the header region with bounds checks on every read.
type reader struct {
	data []byte
	path string
	off  uint64
}

func (r *reader) take(n uint64) ([]byte, error) {
	if r.off+n > uint64(len(r.data)) {
		return nil, fmt.Errorf("checkpoint: %s: truncated at offset %d", r.path, r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) int64() (int64, error) {
	v, err := r.uint64()
	return int64(v), err
}

func (r *reader) string() (string, error) {
	n, err := r.uint64()
	if err != nil {
		return "", err
	}
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
