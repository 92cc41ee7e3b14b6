package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPrefill(t *testing.T) {
	before := testutil.ToFloat64(PrefillTokensTotal)
	RecordPrefill(8, 10*time.Millisecond)
	after := testutil.ToFloat64(PrefillTokensTotal)
	if after != before+8 {
		t.Errorf("prefill tokens = %v, want %v", after, before+8)
	}
}

func TestRecordDecode(t *testing.T) {
	before := testutil.ToFloat64(DecodeTokensTotal)
	RecordDecode(2, time.Millisecond)
	RecordDecode(2, time.Millisecond)
	after := testutil.ToFloat64(DecodeTokensTotal)
	if after != before+4 {
		t.Errorf("decode tokens = %v, want %v", after, before+4)
	}
}

func TestRecordKVCacheStats(t *testing.T) {
	RecordKVCacheStats(4096, 1024)
	if got := testutil.ToFloat64(KVCacheCapacitySlots); got != 4096 {
		t.Errorf("capacity = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(KVCacheUsedSlots); got != 1024 {
		t.Errorf("used = %v, want 1024", got)
	}
	RecordKVCacheStats(4096, 2048)
	if got := testutil.ToFloat64(KVCacheUsedSlots); got != 2048 {
		t.Errorf("used after update = %v, want 2048", got)
	}
}

func TestRecordKVCacheOverflow(t *testing.T) {
	before := testutil.ToFloat64(KVCacheOverflowsTotal)
	RecordKVCacheOverflow()
	if got := testutil.ToFloat64(KVCacheOverflowsTotal); got != before+1 {
		t.Errorf("overflows = %v, want %v", got, before+1)
	}
}

func TestRecordTransport(t *testing.T) {
	sent := testutil.ToFloat64(TransportBytesTotal.WithLabelValues("send"))
	RecordTransportSend(128)
	RecordTransportRecv(64)
	if got := testutil.ToFloat64(TransportBytesTotal.WithLabelValues("send")); got != sent+128 {
		t.Errorf("sent bytes = %v, want %v", got, sent+128)
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordContextLength(512)
	RecordKernelDuration("attention_varlen", 5*time.Millisecond)
	RecordValidationError("prefill", "shape_mismatch")
	RecordKVCacheAppend(3)
	RecordStageForward("stage0", 2*time.Millisecond)
}
