package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Superblock – Page 0
// ───────────────────────────────────────────────────────────────────────────
//
// Layout (fits in one page, default 8 KiB):
//
//  Offset  Size  Field
//  ──────  ────  ───────────────────
//  0       40    Common PageHeader (Type=Superblock, ID=0)
//  40      8     Magic            [8]byte "TINYKVDB"
//  48      4     FormatVersion    uint32 LE
//  52      4     PageSize         uint32 LE
//  56      8     PageCount        uint64 LE  (set by NewSuperblock, not updated by the pager; NextPageID is the allocator high-water-mark)
//  64      8     FeatureFlags     uint64 LE  (bitmask)
//  72      8     FreeListRoot     uint64 LE  (PageID of free-list head)
//  80      8     CheckpointLSN    uint64 LE  (LSN of last durable checkpoint)
//  88      8     NextTxID         uint64 LE
//  96      8     NextPageID       uint64 LE
//  104     ...   Reserved  (zero-filled to end of page)
//
// The CRC in the common header covers the entire page.

const (
	// SuperblockMagic identifies a valid tinykv database file.
	SuperblockMagic = "TINYKVDB"

	// CurrentFormatVersion is the on-disk format version.
	CurrentFormatVersion uint32 = 1

	// Superblock field offsets (relative to page start).
	sbMagicOff         = PageHeaderSize         // 40
	sbFormatVersionOff = sbMagicOff + 8         // 48
	sbPageSizeOff      = sbFormatVersionOff + 4 // 52
	sbPageCountOff     = sbPageSizeOff + 4      // 56
	sbFeatureFlagsOff  = sbPageCountOff + 8     // 64
	sbFreeListRootOff  = sbFeatureFlagsOff + 8  // 72
	sbCheckpointLSNOff = sbFreeListRootOff + 8  // 80
	sbNextTxIDOff      = sbCheckpointLSNOff + 8 // 88
	sbNextPageIDOff    = sbNextTxIDOff + 8      // 96
	// Remaining bytes up to end of page are reserved.
)

// FeatureFlag bits (bitmask). Version 1 has no flags set.
const (
	FeatureCompression FeatureFlag = 1 << iota // reserved: page-level compression
	FeatureEncryption                          // reserved: page-level encryption
	FeaturePartitions                          // reserved: range partitioning
)

// FeatureFlag is a bitmask of optional format features.
type FeatureFlag uint64

// SupportedFeatures is the set of features understood by this build.
// Any flag outside of this set causes the file to be rejected.
const SupportedFeatures FeatureFlag = 0 // v1: none

// Superblock holds the parsed contents of page 0.
type Superblock struct {
	FormatVersion uint32
	PageSize      uint32
	PageCount     uint64
	FeatureFlags  FeatureFlag
	FreeListRoot  PageID
	CheckpointLSN LSN
	NextTxID      TxID
	NextPageID    PageID
}

// MarshalSuperblock serializes a Superblock into a full page buffer.
// The buffer must be at least PageSize bytes. The common PageHeader is set
// (Type=Superblock, ID=0) and the CRC computed.
func MarshalSuperblock(sb *Superblock, pageSize int) []byte {
	buf := NewPage(pageSize, PageTypeSuperblock, 0)

	copy(buf[sbMagicOff:sbMagicOff+8], SuperblockMagic)

	binary.LittleEndian.PutUint32(buf[sbFormatVersionOff:], sb.FormatVersion)
	binary.LittleEndian.PutUint32(buf[sbPageSizeOff:], sb.PageSize)
	binary.LittleEndian.PutUint64(buf[sbPageCountOff:], sb.PageCount)
	binary.LittleEndian.PutUint64(buf[sbFeatureFlagsOff:], uint64(sb.FeatureFlags))
	binary.LittleEndian.PutUint64(buf[sbFreeListRootOff:], uint64(sb.FreeListRoot))
	binary.LittleEndian.PutUint64(buf[sbCheckpointLSNOff:], uint64(sb.CheckpointLSN))
	binary.LittleEndian.PutUint64(buf[sbNextTxIDOff:], uint64(sb.NextTxID))
	binary.LittleEndian.PutUint64(buf[sbNextPageIDOff:], uint64(sb.NextPageID))

	SetPageCRC(buf)
	return buf
}

// UnmarshalSuperblock decodes page 0 from buf. It validates magic bytes,
// format version, feature flags, and CRC. Returns an error on any mismatch.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < MinPageSize {
		return nil, fmt.Errorf("superblock too small: %d bytes", len(buf))
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, fmt.Errorf("superblock CRC: %w", err)
	}
	magic := string(buf[sbMagicOff : sbMagicOff+8])
	if magic != SuperblockMagic {
		return nil, fmt.Errorf("bad magic %q, expected %q", magic, SuperblockMagic)
	}
	sb := &Superblock{
		FormatVersion: binary.LittleEndian.Uint32(buf[sbFormatVersionOff:]),
		PageSize:      binary.LittleEndian.Uint32(buf[sbPageSizeOff:]),
		PageCount:     binary.LittleEndian.Uint64(buf[sbPageCountOff:]),
		FeatureFlags:  FeatureFlag(binary.LittleEndian.Uint64(buf[sbFeatureFlagsOff:])),
		FreeListRoot:  PageID(binary.LittleEndian.Uint64(buf[sbFreeListRootOff:])),
		CheckpointLSN: LSN(binary.LittleEndian.Uint64(buf[sbCheckpointLSNOff:])),
		NextTxID:      TxID(binary.LittleEndian.Uint64(buf[sbNextTxIDOff:])),
		NextPageID:    PageID(binary.LittleEndian.Uint64(buf[sbNextPageIDOff:])),
	}

	if sb.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d (this build supports %d)",
			sb.FormatVersion, CurrentFormatVersion)
	}
	if sb.PageSize < MinPageSize || sb.PageSize > MaxPageSize {
		return nil, fmt.Errorf("page size %d out of range [%d..%d]",
			sb.PageSize, MinPageSize, MaxPageSize)
	}
	if sb.PageSize&(sb.PageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", sb.PageSize)
	}
	if sb.FeatureFlags & ^SupportedFeatures != 0 {
		return nil, fmt.Errorf("unsupported feature flags: %016x", sb.FeatureFlags)
	}

	return sb, nil
}

// NewSuperblock creates a default Superblock for a new database.
func NewSuperblock(pageSize uint32) *Superblock {
	return &Superblock{
		FormatVersion: CurrentFormatVersion,
		PageSize:      pageSize,
		PageCount:     1, // only superblock so far
		FeatureFlags:  0,
		FreeListRoot:  InvalidPageID,
		CheckpointLSN: 0,
		NextTxID:      1,
		NextPageID:    1, // page 0 is superblock
	}
}
