// Package pager implements the disk manager, buffer pool manager, write-ahead
// log, and ARIES recovery manager for tinykv's storage core.
//
// The storage format consists of a main database file with fixed-size pages
// (default 8 KiB) and one or more WAL segment files. Page 0 is always the
// superblock; subsequent pages are typed (heap/version, overflow, freelist).
// Every page carries a fixed header with magic, type, page-LSN, and a
// CRC32-C checksum computed over the page with the checksum field zeroed.
// Crash recovery runs the three ARIES phases (analysis/redo/undo) over every
// record still held in the WAL segments, from the oldest retained record
// onward; the superblock's checkpoint LSN is not used as a starting point.
// See recovery.go.
package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/SimonWaldherr/tinykv/internal/core"
	"github.com/SimonWaldherr/tinykv/internal/ids"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// DefaultPageSize is the default page size in bytes (8 KiB).
	DefaultPageSize = 8192

	// MinPageSize is the minimum allowed page size (4 KiB).
	MinPageSize = 4096

	// MaxPageSize is the maximum allowed page size (64 KiB).
	MaxPageSize = 65536

	// OverflowThreshold is the inline value size (bytes) above which the
	// Version Store routes a payload through an overflow page chain instead
	// of storing it directly in a slotted-page record.
	OverflowThreshold = 1024

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0:4]   Magic      (4 bytes)
	//   [4]     Type       (1 byte)
	//   [5:8]   Reserved   (3 bytes)
	//   [8:16]  PageID     (8 bytes, uint64 LE)
	//   [16:24] LSN        (8 bytes, uint64 LE) — page-LSN
	//   [24:26] SlotCount  (2 bytes, uint16 LE)
	//   [26:28] FreePtr    (2 bytes, uint16 LE)
	//   [28:32] CRC32      (4 bytes, uint32 LE) — CRC32-C, checksum field zeroed during computation
	//   [32:40] Reserved   (8 bytes)
	PageHeaderSize = 40
)

// pageMagic identifies a tinykv data page; distinguishes foreign files early.
var pageMagic = [4]byte{'T', 'K', 'V', 1}

// ───────────────────────────────────────────────────────────────────────────
// Page types
// ───────────────────────────────────────────────────────────────────────────

// PageType identifies the kind of data stored in a page.
type PageType uint8

const (
	PageTypeSuperblock PageType = 0x01
	PageTypeHeap       PageType = 0x02 // slotted page holding version-chain payloads
	PageTypeOverflow   PageType = 0x03
	PageTypeFreeList   PageType = 0x04
)

// String returns a human-readable label for the page type.
func (pt PageType) String() string {
	switch pt {
	case PageTypeSuperblock:
		return "Superblock"
	case PageTypeHeap:
		return "Heap"
	case PageTypeOverflow:
		return "Overflow"
	case PageTypeFreeList:
		return "FreeList"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(pt))
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Core types (re-exported aliases of the canonical ids package)
// ───────────────────────────────────────────────────────────────────────────

// PageID is a 64-bit page identifier. Page 0 is always the superblock.
type PageID = ids.PageID

// InvalidPageID represents a null/invalid page pointer.
const InvalidPageID = ids.InvalidPageID

// LSN is a monotonically increasing Log Sequence Number.
type LSN = ids.LSN

// TxID is a transaction identifier.
type TxID = ids.TransactionID

// ───────────────────────────────────────────────────────────────────────────
// Page header
// ───────────────────────────────────────────────────────────────────────────

// PageHeader is the fixed header present at the start of every page.
type PageHeader struct {
	Type      PageType
	Reserved  [3]byte
	ID        PageID
	LSN       LSN // page-LSN: LSN of the most recent WAL record applied to this page
	SlotCount uint16
	FreePtr   uint16
	CRC       uint32 // CRC32-C of the entire page with this field zeroed
	Pad       [8]byte
}

// MarshalHeader writes a PageHeader into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("buffer too small for PageHeader")
	}
	copy(buf[0:4], pageMagic[:])
	buf[4] = byte(h.Type)
	copy(buf[5:8], h.Reserved[:])
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.ID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.LSN))
	binary.LittleEndian.PutUint16(buf[24:26], h.SlotCount)
	binary.LittleEndian.PutUint16(buf[26:28], h.FreePtr)
	binary.LittleEndian.PutUint32(buf[28:32], h.CRC)
	copy(buf[32:40], h.Pad[:])
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) PageHeader {
	var h PageHeader
	h.Type = PageType(buf[4])
	copy(h.Reserved[:], buf[5:8])
	h.ID = PageID(binary.LittleEndian.Uint64(buf[8:16]))
	h.LSN = LSN(binary.LittleEndian.Uint64(buf[16:24]))
	h.SlotCount = binary.LittleEndian.Uint16(buf[24:26])
	h.FreePtr = binary.LittleEndian.Uint16(buf[26:28])
	h.CRC = binary.LittleEndian.Uint32(buf[28:32])
	copy(h.Pad[:], buf[32:40])
	return h
}

// HasValidMagic reports whether buf starts with the tinykv page magic.
func HasValidMagic(buf []byte) bool {
	return len(buf) >= 4 && buf[0] == pageMagic[0] && buf[1] == pageMagic[1] && buf[2] == pageMagic[2] && buf[3] == pageMagic[3]
}

// ───────────────────────────────────────────────────────────────────────────
// CRC helpers
// ───────────────────────────────────────────────────────────────────────────

// crcTable is the CRC32 (Castagnoli) table used throughout.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputePageCRC computes the CRC32-C of a full page, treating the CRC
// field (bytes 28..32) as zero during computation.
func ComputePageCRC(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:28])         // header up to CRC field
	h.Write([]byte{0, 0, 0, 0}) // zeroed CRC placeholder
	h.Write(page[32:])          // rest of page
	return h.Sum32()
}

// SetPageCRC computes and writes the CRC into the page header.
func SetPageCRC(page []byte) {
	c := ComputePageCRC(page)
	binary.LittleEndian.PutUint32(page[28:32], c)
}

// VerifyPageCRC checks the CRC32-C checksum of a page.
func VerifyPageCRC(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[28:32])
	computed := ComputePageCRC(page)
	if stored != computed {
		pid := PageID(binary.LittleEndian.Uint64(page[8:16]))
		return core.New(core.KindCorruption, fmt.Sprintf("CRC mismatch on page %d: stored=%08x computed=%08x", pid, stored, computed))
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Page helper
// ───────────────────────────────────────────────────────────────────────────

// NewPage allocates a zeroed page buffer at the given size and writes its header.
func NewPage(pageSize int, pt PageType, id PageID) []byte {
	buf := make([]byte, pageSize)
	h := &PageHeader{Type: pt, ID: id}
	MarshalHeader(h, buf)
	return buf
}
