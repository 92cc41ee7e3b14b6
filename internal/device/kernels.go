package device

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/nopperl/nanotron/internal/metrics"
	"github.com/nopperl/nanotron/internal/simd"
)

// parallelFor splits [0, n) into contiguous chunks, one per worker.
func parallelFor(n int, fn func(start, end int)) {
	if n == 0 {
		return
	}
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers == 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// MatMul computes a [m,k] @ b [k,n] into a new [m,n] tensor.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.dims) != 2 || len(b.dims) != 2 {
		return nil, fmt.Errorf("device: matmul needs 2-d operands, got %v and %v", a.dims, b.dims)
	}
	m, k := a.dims[0], a.dims[1]
	if b.dims[0] != k {
		return nil, fmt.Errorf("device: matmul dimension mismatch: [%d,%d] @ [%d,%d]", m, k, b.dims[0], b.dims[1])
	}
	n := b.dims[1]
	out := New(m, n)
	parallelFor(m, func(start, end int) {
		for i := start; i < end; i++ {
			aRow := a.data[i*k : (i+1)*k]
			outRow := out.data[i*n : (i+1)*n]
			for l := 0; l < k; l++ {
				simd.Axpy(aRow[l], b.data[l*n:(l+1)*n], outRow)
			}
		}
	})
	return out, nil
}

// Linear computes x @ w^T + bias. x is [rows, in], w is [out, in] (one
// output neuron per row), bias may be nil.
func Linear(x, w *Tensor, bias []float32) (*Tensor, error) {
	if len(x.dims) != 2 || len(w.dims) != 2 {
		return nil, fmt.Errorf("device: linear needs 2-d operands, got %v and %v", x.dims, w.dims)
	}
	rows, in := x.dims[0], x.dims[1]
	outDim := w.dims[0]
	if w.dims[1] != in {
		return nil, fmt.Errorf("device: linear input width %d does not match weight width %d", in, w.dims[1])
	}
	if bias != nil && len(bias) != outDim {
		return nil, fmt.Errorf("device: bias length %d does not match output width %d", len(bias), outDim)
	}
	out := New(rows, outDim)
	parallelFor(rows, func(start, end int) {
		for i := start; i < end; i++ {
			xRow := x.data[i*in : (i+1)*in]
			outRow := out.data[i*outDim : (i+1)*outDim]
			for o := 0; o < outDim; o++ {
				outRow[o] = simd.Dot(xRow, w.data[o*in:(o+1)*in])
			}
			if bias != nil {
				for o := range outRow {
					outRow[o] += bias[o]
				}
			}
		}
	})
	return out, nil
}

// RMSNorm normalizes the last axis of x by its root mean square and scales
// by weight. Returns a new tensor of the same shape.
func RMSNorm(x *Tensor, weight []float32, eps float32) (*Tensor, error) {
	dim := len(weight)
	if dim == 0 || x.NumElements()%dim != 0 {
		return nil, fmt.Errorf("device: rmsnorm weight length %d does not divide tensor %v", dim, x.dims)
	}
	rows := x.NumElements() / dim
	out := New(x.dims...)
	parallelFor(rows, func(start, end int) {
		for i := start; i < end; i++ {
			row := x.data[i*dim : (i+1)*dim]
			outRow := out.data[i*dim : (i+1)*dim]
			sumSq := float32(0)
			for _, v := range row {
				sumSq += v * v
			}
			inv := float32(1 / math.Sqrt(float64(sumSq/float32(dim))+float64(eps)))
			for j, v := range row {
				outRow[j] = v * inv * weight[j]
			}
		}
	})
	return out, nil
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

func gelu(x float32) float32 {
	return x * 0.5 * float32(1+math.Erf(float64(x)/math.Sqrt2))
}

// GLU splits the last axis of gateUp in half, applies act ("silu" or
// "gelu") to the first half and gates the second half with it.
func GLU(gateUp *Tensor, act string) (*Tensor, error) {
	width := gateUp.dims[len(gateUp.dims)-1]
	if width%2 != 0 {
		return nil, fmt.Errorf("device: glu needs an even last axis, got %v", gateUp.dims)
	}
	var actFn func(float32) float32
	switch act {
	case "silu":
		actFn = silu
	case "gelu":
		actFn = gelu
	default:
		return nil, fmt.Errorf("device: unknown activation %q", act)
	}
	half := width / 2
	rows := gateUp.NumElements() / width
	dims := append([]int(nil), gateUp.dims...)
	dims[len(dims)-1] = half
	out := New(dims...)
	parallelFor(rows, func(start, end int) {
		for i := start; i < end; i++ {
			row := gateUp.data[i*width : (i+1)*width]
			outRow := out.data[i*half : (i+1)*half]
			for j := 0; j < half; j++ {
				outRow[j] = actFn(row[j]) * row[half+j]
			}
		}
	})
	return out, nil
}

// AttentionVarlen runs scaled dot-product attention over packed
// variable-length sequences. q is [totalQ, qHeads, headDim]; k and v are
// [totalKV, kvHeads, headDim]. cuQ and cuK hold cumulative sequence
// offsets (len = numSeqs+1, starting at 0). With causal set, query i of a
// sequence attends keys j <= i + (kLen - qLen), aligning query ends to key
// ends. Key/value heads are shared across qHeads/kvHeads query heads.
func AttentionVarlen(q, k, v *Tensor, cuQ, cuK []int32, causal bool) (*Tensor, error) {
	started := time.Now()
	if err := validateVarlenArgs(q, k, v, cuQ, cuK); err != nil {
		metrics.RecordValidationError("attention_varlen", "shape")
		return nil, err
	}
	qHeads, headDim := q.dims[1], q.dims[2]
	kvHeads := k.dims[1]
	repeats := qHeads / kvHeads
	numSeqs := len(cuQ) - 1
	scale := float32(1 / math.Sqrt(float64(headDim)))

	qStride := qHeads * headDim
	kStride := kvHeads * headDim
	out := New(q.dims[0], qHeads, headDim)

	parallelFor(numSeqs*qHeads, func(start, end int) {
		for item := start; item < end; item++ {
			s, h := item/qHeads, item%qHeads
			kvh := h / repeats
			qStart, qEnd := int(cuQ[s]), int(cuQ[s+1])
			kStart, kEnd := int(cuK[s]), int(cuK[s+1])
			qLen, kLen := qEnd-qStart, kEnd-kStart
			if qLen == 0 || kLen == 0 {
				continue
			}
			align := kLen - qLen
			scores := make([]float32, kLen)
			for i := 0; i < qLen; i++ {
				limit := kLen
				if causal {
					limit = i + align + 1
					if limit > kLen {
						limit = kLen
					}
					if limit <= 0 {
						continue
					}
				}
				qRow := q.data[(qStart+i)*qStride+h*headDim : (qStart+i)*qStride+(h+1)*headDim]
				for j := 0; j < limit; j++ {
					kRow := k.data[(kStart+j)*kStride+kvh*headDim : (kStart+j)*kStride+(kvh+1)*headDim]
					scores[j] = simd.Dot(qRow, kRow) * scale
				}
				simd.Softmax(scores[:limit])
				outRow := out.data[(qStart+i)*qStride+h*headDim : (qStart+i)*qStride+(h+1)*headDim]
				for j := 0; j < limit; j++ {
					vRow := v.data[(kStart+j)*kStride+kvh*headDim : (kStart+j)*kStride+(kvh+1)*headDim]
					simd.Axpy(scores[j], vRow, outRow)
				}
			}
		}
	})
	metrics.RecordKernelDuration("attention_varlen", time.Since(started))
	return out, nil
}

func validateVarlenArgs(q, k, v *Tensor, cuQ, cuK []int32) error {
	if len(q.dims) != 3 || len(k.dims) != 3 || len(v.dims) != 3 {
		return fmt.Errorf("device: varlen operands must be 3-d, got q%v k%v v%v", q.dims, k.dims, v.dims)
	}
	if !sameDims(k.dims, v.dims) {
		return fmt.Errorf("device: k%v and v%v differ", k.dims, v.dims)
	}
	if q.dims[2] != k.dims[2] {
		return fmt.Errorf("device: head dim mismatch q=%d k=%d", q.dims[2], k.dims[2])
	}
	if k.dims[1] == 0 || q.dims[1]%k.dims[1] != 0 {
		return fmt.Errorf("device: %d query heads not divisible by %d kv heads", q.dims[1], k.dims[1])
	}
	if len(cuQ) < 2 || len(cuQ) != len(cuK) {
		return fmt.Errorf("device: offset arrays must match, got %d and %d", len(cuQ), len(cuK))
	}
	if err := checkOffsets(cuQ, q.dims[0]); err != nil {
		return fmt.Errorf("device: query offsets: %w", err)
	}
	if err := checkOffsets(cuK, k.dims[0]); err != nil {
		return fmt.Errorf("device: key offsets: %w", err)
	}
	return nil
}

func checkOffsets(cu []int32, total int) error {
	if cu[0] != 0 {
		return fmt.Errorf("must start at 0, got %d", cu[0])
	}
	for i := 1; i < len(cu); i++ {
		if cu[i] < cu[i-1] {
			return fmt.Errorf("not monotonic at %d: %d < %d", i, cu[i], cu[i-1])
		}
	}
	if int(cu[len(cu)-1]) != total {
		return fmt.Errorf("last offset %d does not cover %d rows", cu[len(cu)-1], total)
	}
	return nil
}

// AttentionWithCache appends newK and newV into the per-row key/value
// caches at each row's cursor, then attends q against the cache prefix.
// q and the new entries are [batch, qLen, heads, headDim]; the caches are
// [batch, capacity, kvHeads, headDim]. cursors[b] holds the number of
// valid cache entries for row b before this call, which is also the write
// position. The caches are mutated in place.
func AttentionWithCache(q, kCache, vCache, newK, newV *Tensor, cursors []int32, causal bool) (*Tensor, error) {
	started := time.Now()
	if err := validateCacheArgs(q, kCache, vCache, newK, newV, cursors); err != nil {
		metrics.RecordValidationError("attention_with_cache", "shape")
		return nil, err
	}
	batch, qLen, qHeads, headDim := q.dims[0], q.dims[1], q.dims[2], q.dims[3]
	capacity, kvHeads := kCache.dims[1], kCache.dims[2]
	repeats := qHeads / kvHeads
	scale := float32(1 / math.Sqrt(float64(headDim)))

	newStride := kvHeads * headDim
	cacheRow := capacity * kvHeads * headDim

	for b := 0; b < batch; b++ {
		at := int(cursors[b])
		for i := 0; i < qLen; i++ {
			src := (b*qLen + i) * newStride
			dst := b*cacheRow + (at+i)*newStride
			copy(kCache.data[dst:dst+newStride], newK.data[src:src+newStride])
			copy(vCache.data[dst:dst+newStride], newV.data[src:src+newStride])
		}
	}

	qStride := qHeads * headDim
	out := New(batch, qLen, qHeads, headDim)
	parallelFor(batch*qHeads, func(start, end int) {
		for item := start; item < end; item++ {
			b, h := item/qHeads, item%qHeads
			kvh := h / repeats
			total := int(cursors[b]) + qLen
			scores := make([]float32, total)
			for i := 0; i < qLen; i++ {
				limit := total
				if causal {
					limit = int(cursors[b]) + i + 1
				}
				qOff := (b*qLen+i)*qStride + h*headDim
				qRow := q.data[qOff : qOff+headDim]
				for j := 0; j < limit; j++ {
					kOff := b*cacheRow + j*newStride + kvh*headDim
					scores[j] = simd.Dot(qRow, kCache.data[kOff:kOff+headDim]) * scale
				}
				simd.Softmax(scores[:limit])
				outRow := out.data[qOff : qOff+headDim]
				for j := 0; j < limit; j++ {
					vOff := b*cacheRow + j*newStride + kvh*headDim
					simd.Axpy(scores[j], vCache.data[vOff:vOff+headDim], outRow)
				}
			}
		}
	})
	metrics.RecordKernelDuration("attention_with_cache", time.Since(started))
	return out, nil
}

func validateCacheArgs(q, kCache, vCache, newK, newV *Tensor, cursors []int32) error {
	if len(q.dims) != 4 {
		return fmt.Errorf("device: cached query must be 4-d, got %v", q.dims)
	}
	if len(kCache.dims) != 4 || !sameDims(kCache.dims, vCache.dims) {
		return fmt.Errorf("device: caches must match, got k%v v%v", kCache.dims, vCache.dims)
	}
	if !sameDims(newK.dims, newV.dims) {
		return fmt.Errorf("device: new entries must match, got k%v v%v", newK.dims, newV.dims)
	}
	batch, qLen, qHeads, headDim := q.dims[0], q.dims[1], q.dims[2], q.dims[3]
	capacity, kvHeads := kCache.dims[1], kCache.dims[2]
	if kCache.dims[0] != batch || kCache.dims[3] != headDim {
		return fmt.Errorf("device: cache %v does not fit query %v", kCache.dims, q.dims)
	}
	if newK.dims[0] != batch || newK.dims[1] != qLen || newK.dims[2] != kvHeads || newK.dims[3] != headDim {
		return fmt.Errorf("device: new entries %v do not fit query %v with %d kv heads", newK.dims, q.dims, kvHeads)
	}
	if kvHeads == 0 || qHeads%kvHeads != 0 {
		return fmt.Errorf("device: %d query heads not divisible by %d kv heads", qHeads, kvHeads)
	}
	if len(cursors) != batch {
		return fmt.Errorf("device: %d cursors for batch %d", len(cursors), batch)
	}
	for b, c := range cursors {
		if int(c)+qLen > capacity {
			return fmt.Errorf("device: row %d cursor %d + %d new exceeds capacity %d", b, c, qLen, capacity)
		}
		if c < 0 {
			return fmt.Errorf("device: row %d cursor %d negative", b, c)
		}
	}
	return nil
}
