// Package kvcache stores per-session key/value history for incremental
// decoding. A Session owns one Entry per attention layer; every entry
// shares the session's batch size and fixed capacity. Rows are stored
// right-padded: row b holds its valid entries in slots [0, count_b).
package kvcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nopperl/nanotron/internal/device"
	"github.com/nopperl/nanotron/internal/logger"
	"github.com/nopperl/nanotron/internal/metrics"
	"github.com/nopperl/nanotron/internal/padding"
)

// ErrCacheOverflow is wrapped when a sequence would outgrow its
// preallocated cache slots. The cache is never resized; a failed call
// leaves the entry unchanged.
var ErrCacheOverflow = errors.New("kv cache capacity exhausted")

type State int

const (
	// Uninitialized entries hold allocated but unfilled tensors.
	Uninitialized State = iota
	// Prefilled entries hold one bulk write and no appends yet.
	Prefilled
	// Extending entries have received at least one single-token append.
	Extending
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Prefilled:
		return "prefilled"
	case Extending:
		return "extending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session groups the cache entries of one generation request across
// layers. Entries are created on first use and live until the session is
// dropped. Entry methods are confined to the forward-pass goroutine; only
// entry creation is safe to call concurrently.
type Session struct {
	mu       sync.Mutex
	batch    int
	capacity int
	kvHeads  int
	headDim  int
	entries  map[string]*Entry
}

func NewSession(batch, capacity, kvHeads, headDim int) (*Session, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("kvcache: batch %d must be positive", batch)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("kvcache: capacity %d must be positive", capacity)
	}
	if kvHeads <= 0 || headDim <= 0 {
		return nil, fmt.Errorf("kvcache: kv heads %d and head dim %d must be positive", kvHeads, headDim)
	}
	return &Session{
		batch:    batch,
		capacity: capacity,
		kvHeads:  kvHeads,
		headDim:  headDim,
		entries:  make(map[string]*Entry),
	}, nil
}

func (s *Session) Batch() int { return s.batch }

func (s *Session) Capacity() int { return s.capacity }

// Entry returns the named layer's cache, allocating it on first use.
func (s *Session) Entry(name string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e
	}
	e := &Entry{
		sess:    s,
		name:    name,
		k:       device.New(s.batch, s.capacity, s.kvHeads, s.headDim),
		v:       device.New(s.batch, s.capacity, s.kvHeads, s.headDim),
		offsets: make([]int32, s.batch),
	}
	for i := range e.offsets {
		e.offsets[i] = -1
	}
	s.entries[name] = e
	logger.Log.Debug("allocated kv cache entry",
		"layer", name, "batch", s.batch, "capacity", s.capacity,
		"kv_heads", s.kvHeads, "head_dim", s.headDim)
	s.publishStatsLocked()
	return e
}

// Len returns the number of allocated entries.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Session) publishStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishStatsLocked()
}

func (s *Session) publishStatsLocked() {
	var capacity, used int64
	for _, e := range s.entries {
		capacity += int64(s.batch * s.capacity)
		for _, off := range e.offsets {
			used += int64(off) + 1
		}
	}
	metrics.RecordKVCacheStats(capacity, used)
}

// Entry is one layer's key/value store. offsets[b] tracks the last
// absolute position written for row b, so offsets[b]+1 is both the number
// of valid slots and the next write cursor.
type Entry struct {
	sess    *Session
	name    string
	k, v    *device.Tensor // [batch, capacity, kvHeads, headDim]
	offsets []int32
	state   State
}

func (e *Entry) State() State { return e.state }

// Tensors exposes the backing key and value stores for the attention
// kernel. Layout is [batch, capacity, kvHeads, headDim].
func (e *Entry) Tensors() (k, v *device.Tensor) { return e.k, e.v }

// PositionOffsets returns a copy of the per-row last written positions.
// Rows that hold nothing yet report -1.
func (e *Entry) PositionOffsets() []int32 {
	return append([]int32(nil), e.offsets...)
}

// ValidCounts returns the number of filled slots per row.
func (e *Entry) ValidCounts() []int32 {
	counts := make([]int32, len(e.offsets))
	for i, off := range e.offsets {
		counts[i] = off + 1
	}
	return counts
}

// Prefill bulk-writes the valid cells of left-padded k and v, shaped
// [batch, seqLen, kvHeads, headDim], into the entry right-aligned at slot
// 0. Capacity is checked against the mask before anything is written.
// Allowed once, on an uninitialized entry.
func (e *Entry) Prefill(k, v *device.Tensor, mask padding.Mask) error {
	if e.state != Uninitialized {
		return fmt.Errorf("kvcache: prefill on %s entry %q", e.state, e.name)
	}
	if mask.Batch() != e.sess.batch {
		return fmt.Errorf("kvcache: mask batch %d does not match session batch %d", mask.Batch(), e.sess.batch)
	}
	counts := mask.ValidCounts()
	for b, n := range counts {
		if int(n) > e.sess.capacity {
			return fmt.Errorf("%w: row %d prefills %d tokens into capacity %d", ErrCacheOverflow, b, n, e.sess.capacity)
		}
	}

	if _, _, err := padding.PadToRight(k, mask, e.k); err != nil {
		return fmt.Errorf("kvcache: store keys: %w", err)
	}
	if _, _, err := padding.PadToRight(v, mask, e.v); err != nil {
		return fmt.Errorf("kvcache: store values: %w", err)
	}

	for b, n := range counts {
		e.offsets[b] = n - 1
	}
	e.state = Prefilled
	e.sess.publishStats()
	return nil
}

// AppendCursors validates that every row has a free slot and returns the
// per-row write cursors for a single-token append. The entry is not
// mutated; callers pass the cursors to the attention kernel and then
// CommitAppend.
func (e *Entry) AppendCursors() ([]int32, error) {
	if e.state == Uninitialized {
		return nil, fmt.Errorf("kvcache: append before prefill on entry %q", e.name)
	}
	cursors := make([]int32, len(e.offsets))
	for b, off := range e.offsets {
		cursor := off + 1
		if int(cursor) >= e.sess.capacity {
			metrics.RecordKVCacheOverflow()
			return nil, fmt.Errorf("%w: row %d is full at %d slots", ErrCacheOverflow, b, e.sess.capacity)
		}
		cursors[b] = cursor
	}
	return cursors, nil
}

// CommitAppend advances every row by one slot after a successful append.
func (e *Entry) CommitAppend() {
	for b := range e.offsets {
		e.offsets[b]++
	}
	e.state = Extending
	metrics.RecordKVCacheAppend(len(e.offsets))
	e.sess.publishStats()
}
