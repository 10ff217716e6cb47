package core

import (
	"os"
	"testing"
)

func TestValue_MarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    Value
	}{
		{"null", Null()},
		{"bool-true", Bool(true)},
		{"bool-false", Bool(false)},
		{"int64", Int64(-42)},
		{"float64", Float64(3.14159)},
		{"text", Text("hello world")},
		{"empty-text", Text("")},
		{"bytes", Bytes([]byte{0xDE, 0xAD, 0xBE, 0xEF})},
		{"date", DateDays(19723)},
		{"timestamp", TimestampMicros(1_700_000_000_000_000)},
		{"json", JSON(`{"a":1}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Marshal(nil, tt.v)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, n, err := Unmarshal(buf)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if n != len(buf) {
				t.Fatalf("consumed %d bytes, want %d", n, len(buf))
			}
			if !Equal(got, tt.v) {
				t.Fatalf("got %+v, want %+v", got, tt.v)
			}
		})
	}
}

func TestValue_ArrayRoundTrip(t *testing.T) {
	inner, err := NewArray([]Value{Int64(1), Int64(2)}, 1)
	if err != nil {
		t.Fatal(err)
	}
	outer, err := NewArray([]Value{Text("a"), inner, Null()}, 0)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := Marshal(nil, outer)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(got, outer) {
		t.Fatalf("got %+v, want %+v", got, outer)
	}
}

func TestValue_ArrayDepthRejected(t *testing.T) {
	v := Int64(0)
	for i := 0; i < MaxValueDepth+2; i++ {
		arr, err := NewArray([]Value{v}, 0)
		if err != nil {
			// expected once nesting is measured against the cap while building
			return
		}
		v = arr
	}
	t.Fatal("expected depth rejection before reaching this point")
}

func TestValue_RowRoundTrip(t *testing.T) {
	row := []Value{Int64(7), Text("alice"), Float64(98.6), Null(), Bool(true)}
	buf, err := MarshalRow(row)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalRow(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(row) {
		t.Fatalf("column count: got %d want %d", len(got), len(row))
	}
	for i := range row {
		if !Equal(got[i], row[i]) {
			t.Errorf("[%d] got %+v want %+v", i, got[i], row[i])
		}
	}
}

func TestValue_TruncatedPayloadErrors(t *testing.T) {
	buf, _ := Marshal(nil, Text("hello"))
	for n := 0; n < len(buf); n++ {
		if _, _, err := Unmarshal(buf[:n]); err == nil {
			t.Fatalf("expected error decoding truncated prefix of length %d", n)
		}
	}
}

func TestErrors_KindAndUnwrap(t *testing.T) {
	base := New(KindConflict, "concurrent write")
	wrapped := Wrap(KindTimeout, "lock acquire", base)
	if !Is(wrapped, KindTimeout) {
		t.Fatal("expected direct kind match")
	}
	if !Is(wrapped, KindConflict) {
		t.Fatal("expected match through Unwrap chain")
	}
	if Is(wrapped, KindCorruption) {
		t.Fatal("unexpected match for unrelated kind")
	}
}

func TestErrors_Retryable(t *testing.T) {
	for _, k := range []ErrorKind{KindConflict, KindDeadlock, KindTimeout} {
		if !Retryable(k) {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []ErrorKind{KindCorruption, KindDurabilityFailure, KindInvalidState} {
		if Retryable(k) {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestConfig_DefaultsValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfig_RejectsBadPageSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 5000 // not a power of two
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for non-power-of-two page size")
	}
}

func TestConfig_LoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	content := []byte("page_size: 16384\nbuffer_pool_frames: 2048\neviction_policy: LRU-K\nlru_k: 3\ndeadlock_victim_policy: Oldest\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PageSize != 16384 {
		t.Errorf("page_size: got %d want 16384", cfg.PageSize)
	}
	if cfg.BufferPoolFrames != 2048 {
		t.Errorf("buffer_pool_frames: got %d want 2048", cfg.BufferPoolFrames)
	}
	if cfg.EvictionPolicy != EvictionLRUK {
		t.Errorf("eviction_policy: got %q want LRU-K", cfg.EvictionPolicy)
	}
	if cfg.DeadlockVictimPolicy != VictimOldest {
		t.Errorf("deadlock_victim_policy: got %q want Oldest", cfg.DeadlockVictimPolicy)
	}
	// Fields absent from the file should retain DefaultConfig's values.
	if cfg.WALFsync != true {
		t.Errorf("wal_fsync should default true")
	}
}
