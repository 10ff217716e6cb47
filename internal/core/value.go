// Package core holds the types shared across the storage and transaction
// core that belong to neither the pager nor the txn layer: the tagged-union
// Value every tuple column is built from, typed errors, and configuration.
package core

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ValueKind tags the variant held by a Value. Mirrors the binary row codec's
// type-tag byte so encoding a Kind is a single byte write.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt64
	KindFloat64
	KindText
	KindBytes
	KindDate      // days since epoch
	KindTimestamp // microseconds since epoch
	KindJSON      // pre-serialized JSON text, opaque to the core
	KindArray
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "i64"
	case KindFloat64:
		return "f64"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	case KindJSON:
		return "json"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// MaxValueDepth bounds array nesting. Enforced by both NewArray and the
// decoder so a crafted payload can never force unbounded recursion (spec
// §7's value-recursion-depth cap).
const MaxValueDepth = 32

// Value is the tagged union every tuple column and version payload is built
// from: null, bool, i64, f64, text, bytes, date, timestamp, json, or an
// array of Value, recursion-bounded.
type Value struct {
	kind  ValueKind
	b     bool
	i     int64
	f     float64
	s     string // Text and JSON payload
	bytes []byte
	arr   []Value
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(v bool) Value          { return Value{kind: KindBool, b: v} }
func Int64(v int64) Value        { return Value{kind: KindInt64, i: v} }
func Float64(v float64) Value    { return Value{kind: KindFloat64, f: v} }
func Text(v string) Value        { return Value{kind: KindText, s: v} }
func Bytes(v []byte) Value       { return Value{kind: KindBytes, bytes: v} }
func DateDays(v int64) Value     { return Value{kind: KindDate, i: v} }
func TimestampMicros(v int64) Value { return Value{kind: KindTimestamp, i: v} }
func JSON(raw string) Value      { return Value{kind: KindJSON, s: raw} }

// NewArray builds an array Value, rejecting nesting deeper than
// MaxValueDepth. depth is the nesting level of the array being constructed
// (0 for a top-level array).
func NewArray(elems []Value, depth int) (Value, error) {
	if depth >= MaxValueDepth {
		return Value{}, fmt.Errorf("array nesting exceeds max depth %d", MaxValueDepth)
	}
	for _, e := range elems {
		if e.kind == KindArray {
			if d, err := e.depth(); err != nil {
				return Value{}, err
			} else if depth+1+d > MaxValueDepth {
				return Value{}, fmt.Errorf("array nesting exceeds max depth %d", MaxValueDepth)
			}
		}
	}
	return Value{kind: KindArray, arr: elems}, nil
}

// depth computes nesting depth iteratively (a queue of pending arrays, not a
// recursive walk) so a pathologically deep value can't exhaust the Go stack
// while merely being measured.
func (v Value) depth() (int, error) {
	type frame struct {
		v     Value
		level int
	}
	queue := []frame{{v, 0}}
	max := 0
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f.level > max {
			max = f.level
		}
		if f.level > MaxValueDepth {
			return 0, fmt.Errorf("array nesting exceeds max depth %d", MaxValueDepth)
		}
		if f.v.kind == KindArray {
			for _, e := range f.v.arr {
				queue = append(queue, frame{e, f.level + 1})
			}
		}
	}
	return max, nil
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt64() (int64, bool)     { return v.i, v.kind == KindInt64 }
func (v Value) AsFloat64() (float64, bool) { return v.f, v.kind == KindFloat64 }
func (v Value) AsText() (string, bool)     { return v.s, v.kind == KindText }
func (v Value) AsBytes() ([]byte, bool)    { return v.bytes, v.kind == KindBytes }
func (v Value) AsDateDays() (int64, bool)  { return v.i, v.kind == KindDate }
func (v Value) AsTimestampMicros() (int64, bool) {
	return v.i, v.kind == KindTimestamp
}
func (v Value) AsJSON() (string, bool)  { return v.s, v.kind == KindJSON }
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// Equal compares two values for equality within the same kind. Cross-kind
// comparisons are always unequal (no implicit coercion at this layer — that
// belongs to the query executor). Array comparison is iterative via an
// explicit work stack, not recursive, so depth is bounded by MaxValueDepth
// rather than by the host's call stack.
func Equal(a, b Value) bool {
	type pair struct{ a, b Value }
	stack := []pair{{a, b}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p.a.kind != p.b.kind {
			return false
		}
		switch p.a.kind {
		case KindNull:
			// equal by kind match alone
		case KindBool:
			if p.a.b != p.b.b {
				return false
			}
		case KindInt64, KindDate, KindTimestamp:
			if p.a.i != p.b.i {
				return false
			}
		case KindFloat64:
			if p.a.f != p.b.f {
				return false
			}
		case KindText, KindJSON:
			if p.a.s != p.b.s {
				return false
			}
		case KindBytes:
			if len(p.a.bytes) != len(p.b.bytes) {
				return false
			}
			for i := range p.a.bytes {
				if p.a.bytes[i] != p.b.bytes[i] {
					return false
				}
			}
		case KindArray:
			if len(p.a.arr) != len(p.b.arr) {
				return false
			}
			for i := range p.a.arr {
				stack = append(stack, pair{p.a.arr[i], p.b.arr[i]})
			}
		}
	}
	return true
}

// ───────────────────────────────────────────────────────────────────────────
// Binary encoding
// ───────────────────────────────────────────────────────────────────────────
//
// Wire format per value:
//   [0]    kind tag (ValueKind)
//   [1..]  kind-specific payload
//
// Arrays encode as: elementCount(uint32 LE) followed by that many encoded
// values in sequence. This is the tuple-column encoding used by the Version
// Store when it stores a row as a sequence of encoded Values (replacing the
// teacher's JSON-row encoding with the same compact binary shape the
// teacher already used for its B+Tree row values, extended with the
// date/timestamp/json/array variants the original []any row type had no
// tags for).

// Marshal appends v's wire encoding to buf and returns the result.
func Marshal(buf []byte, v Value) ([]byte, error) {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindNull:
		// no payload
	case KindBool:
		if v.b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindInt64, KindDate, KindTimestamp:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.i))
		buf = append(buf, tmp[:]...)
	case KindFloat64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.f))
		buf = append(buf, tmp[:]...)
	case KindText, KindJSON:
		buf = appendLenPrefixed(buf, []byte(v.s))
	case KindBytes:
		buf = appendLenPrefixed(buf, v.bytes)
	case KindArray:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.arr)))
		buf = append(buf, tmp[:]...)
		for _, e := range v.arr {
			var err error
			buf, err = Marshal(buf, e)
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("marshal: unknown value kind %d", v.kind)
	}
	return buf, nil
}

func appendLenPrefixed(buf []byte, data []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(data)))
	buf = append(buf, tmp[:]...)
	return append(buf, data...)
}

// Unmarshal decodes one Value starting at data[0], returning the value and
// the number of bytes consumed. Array decoding is bounded to MaxValueDepth
// levels; a payload attempting deeper nesting fails rather than recursing
// unboundedly.
func Unmarshal(data []byte) (Value, int, error) {
	return unmarshalDepth(data, 0)
}

func unmarshalDepth(data []byte, depth int) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, fmt.Errorf("unmarshal value: empty input")
	}
	kind := ValueKind(data[0])
	off := 1
	switch kind {
	case KindNull:
		return Null(), off, nil
	case KindBool:
		if off >= len(data) {
			return Value{}, 0, fmt.Errorf("unmarshal bool: truncated")
		}
		return Bool(data[off] != 0), off + 1, nil
	case KindInt64, KindDate, KindTimestamp:
		if off+8 > len(data) {
			return Value{}, 0, fmt.Errorf("unmarshal %s: truncated", kind)
		}
		i := int64(binary.LittleEndian.Uint64(data[off : off+8]))
		v := Value{kind: kind, i: i}
		return v, off + 8, nil
	case KindFloat64:
		if off+8 > len(data) {
			return Value{}, 0, fmt.Errorf("unmarshal f64: truncated")
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
		return Float64(f), off + 8, nil
	case KindText, KindJSON:
		s, n, err := readLenPrefixed(data[off:])
		if err != nil {
			return Value{}, 0, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		if kind == KindJSON {
			return JSON(string(s)), off + n, nil
		}
		return Text(string(s)), off + n, nil
	case KindBytes:
		b, n, err := readLenPrefixed(data[off:])
		if err != nil {
			return Value{}, 0, fmt.Errorf("unmarshal bytes: %w", err)
		}
		dst := make([]byte, len(b))
		copy(dst, b)
		return Bytes(dst), off + n, nil
	case KindArray:
		if depth >= MaxValueDepth {
			return Value{}, 0, fmt.Errorf("unmarshal array: exceeds max depth %d", MaxValueDepth)
		}
		if off+4 > len(data) {
			return Value{}, 0, fmt.Errorf("unmarshal array: truncated count")
		}
		count := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		elems := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			e, n, err := unmarshalDepth(data[off:], depth+1)
			if err != nil {
				return Value{}, 0, fmt.Errorf("unmarshal array element %d: %w", i, err)
			}
			elems = append(elems, e)
			off += n
		}
		return Value{kind: KindArray, arr: elems}, off, nil
	default:
		return Value{}, 0, fmt.Errorf("unmarshal value: unknown kind tag 0x%02x", kind)
	}
}

func readLenPrefixed(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint32(data[0:4]))
	if 4+n > len(data) {
		return nil, 0, fmt.Errorf("truncated payload: need %d, have %d", n, len(data)-4)
	}
	return data[4 : 4+n], 4 + n, nil
}

// MarshalRow encodes an ordered tuple of Values: columnCount(uint32 LE)
// followed by each column's Marshal encoding in sequence.
func MarshalRow(cols []Value) ([]byte, error) {
	buf := make([]byte, 4, 4+len(cols)*9)
	binary.LittleEndian.PutUint32(buf, uint32(len(cols)))
	var err error
	for _, c := range cols {
		buf, err = Marshal(buf, c)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// UnmarshalRow decodes a row produced by MarshalRow.
func UnmarshalRow(data []byte) ([]Value, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("unmarshal row: truncated column count")
	}
	count := int(binary.LittleEndian.Uint32(data[0:4]))
	off := 4
	row := make([]Value, 0, count)
	for i := 0; i < count; i++ {
		v, n, err := Unmarshal(data[off:])
		if err != nil {
			return nil, fmt.Errorf("unmarshal row column %d: %w", i, err)
		}
		row = append(row, v)
		off += n
	}
	return row, nil
}
