// Package seekidx implements the trailing seekable index (§4.3): building
// it while writing, parsing it back from the tail of a file, and
// resolving an uncompressed offset to the frame that covers it.
package seekidx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/btree"

	"github.com/saveitor/bgzf2/internal/frame"
)

// FooterSize is the 9-byte seek-table footer: N (u32) + descriptor (1
// byte) + sentinel (u32).
const FooterSize = 9

// ErrIndexMissing means the footer sentinel was not found at all -- the
// stream may simply predate the index (e.g. a bare pzstd stream, §7
// IndexMissing).
var ErrIndexMissing = errors.New("bgzf2: seekable index footer not found")

// ErrIndexCorrupt means a footer-shaped tail was found but its contents
// do not parse: wrong sentinel, inconsistent length, or reserved bits set
// (§7 IndexCorrupt).
var ErrIndexCorrupt = errors.New("bgzf2: seekable index is corrupt")

// ErrOutOfRange is returned by Query when upos is at or past the end of
// the logical stream (§7 OutOfRange).
var ErrOutOfRange = errors.New("bgzf2: offset out of range")

// Entry is one post-processed seek-table row, giving both cumulative
// offsets for O(log n) lookup by either axis.
type Entry struct {
	ID           int64
	CompOffset   uint64
	UncompOffset uint64
	CompSize     uint32
	UncompSize   uint32
	Checksum     uint32 // lower 32 bits of XXH64(uncompressed block), 0 for zero-uncomp rows
}

func lessByUncompOffset(a, b *Entry) bool { return a.UncompOffset < b.UncompOffset }

// Builder accumulates seek-table rows as frames are written and marshals
// them into the trailing skippable frame (§4.3 "Write").
type Builder struct {
	comp     []uint32
	uncomp   []uint32
	checksum []uint32
}

// Append records one auxiliary frame's on-disk contribution (the header
// or genomic-index skippable frame): a single zero-uncomp, zero-checksum
// row, so cumulative comp offsets stay correct (§3 "Seekable index
// entry", §4.3 Query's walk-back-over-zero-uncomp rule).
func (b *Builder) Append(comp, uncomp uint32) {
	b.appendRow(comp, uncomp, 0)
}

// AppendChecksummed records a data frame's payload row together with the
// XXH64-derived checksum of the uncompressed block it covers, the same
// per-entry checksum the teacher's Write computes (spec.md's seek-table
// layout reserves descriptor bit 7 plus a 4-byte stride for exactly this
// field).
func (b *Builder) AppendChecksummed(comp, uncomp, checksum uint32) {
	b.appendRow(comp, uncomp, checksum)
}

func (b *Builder) appendRow(comp, uncomp, checksum uint32) {
	b.comp = append(b.comp, comp)
	b.uncomp = append(b.uncomp, uncomp)
	b.checksum = append(b.checksum, checksum)
}

// Len returns the number of rows recorded so far.
func (b *Builder) Len() int { return len(b.comp) }

// Marshal produces the full skippable frame (header, entries, footer)
// ready to be appended to the output stream. Entries always carry the
// 4-byte checksum field and the descriptor's checksum flag is set.
func (b *Builder) Marshal() []byte {
	n := len(b.comp)
	const stride = 12
	payload := make([]byte, n*stride+FooterSize)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(payload[i*stride:], b.comp[i])
		binary.LittleEndian.PutUint32(payload[i*stride+4:], b.uncomp[i])
		binary.LittleEndian.PutUint32(payload[i*stride+8:], b.checksum[i])
	}
	footer := payload[n*stride:]
	binary.LittleEndian.PutUint32(footer[0:], uint32(n))
	footer[4] = 1 << 7 // descriptor: checksum flag set, reserved bits zero
	binary.LittleEndian.PutUint32(footer[5:], frame.SeekableIndexSentinel)
	return frame.CreateSkippable(frame.SeekableIndexMagic, payload)
}

// Index is the parsed, queryable form of the seek table, used by a read
// handle after Parse loads it from the tail of the file.
type Index struct {
	all       []*Entry
	tree      *btree.BTreeG[*Entry]
	endOffset uint64
	frameSize uint64
}

func newIndex() *Index {
	return &Index{tree: btree.NewG(8, lessByUncompOffset)}
}

// EndOffset returns the total logical (uncompressed) stream length.
func (idx *Index) EndOffset() uint64 { return idx.endOffset }

// FrameSize returns the total on-disk size of the seekable-index frame
// itself, so callers can recover the file length excluding it (§8
// property 3).
func (idx *Index) FrameSize() uint64 { return idx.frameSize }

// NumFrames returns the number of rows in the index, auxiliary frames
// included.
func (idx *Index) NumFrames() int64 { return int64(len(idx.all)) }

// ByID returns the entry with the given sequence number, or nil.
func (idx *Index) ByID(id int64) *Entry {
	if id < 0 || id >= int64(len(idx.all)) {
		return nil
	}
	return idx.all[id]
}

// ByteSum returns (sum of CompSize, sum of UncompSize) across every row,
// used to verify §8 property 3 (index soundness) in tests.
func (idx *Index) ByteSum() (comp, uncomp uint64) {
	for _, e := range idx.all {
		comp += uint64(e.CompSize)
		uncomp += uint64(e.UncompSize)
	}
	return
}

// Query implements §4.3 "Query": binary search for the smallest entry
// whose [UncompOffset, UncompOffset+UncompSize) interval extends past
// upos, then walk left over any zero-length (skippable) rows so the
// returned entry is the first of the skippable frames immediately
// preceding the covering data frame (its size-preface, or the stream
// header for the first block) -- this is what lets the caller reposition
// the file with the correct framing.
func (idx *Index) Query(upos uint64) (*Entry, error) {
	entries := idx.all
	i := sort.Search(len(entries), func(i int) bool {
		e := entries[i]
		return e.UncompOffset+uint64(e.UncompSize) > upos
	})
	if i >= len(entries) {
		return nil, ErrOutOfRange
	}
	for i > 0 && entries[i-1].UncompSize == 0 {
		i--
	}
	return entries[i], nil
}

// ByUncompOffset returns the entry whose interval contains off, via the
// btree index (equivalent convenience lookup to the teacher's
// GetIndexByDecompOffset, kept for byte-oriented random access callers
// that do not need the size-preface-walk-back behavior Query provides).
func (idx *Index) ByUncompOffset(off uint64) (found *Entry) {
	if off >= idx.endOffset {
		return nil
	}
	idx.tree.DescendLessOrEqual(&Entry{UncompOffset: off}, func(e *Entry) bool {
		found = e
		return false
	})
	return
}

// Parse reads the trailing seekable index from r, which must support
// seeking relative to EOF. fileSize is the total length of the stream as
// reported by the host file handle.
func Parse(r io.ReadSeeker, fileSize int64) (*Index, error) {
	if fileSize < FooterSize {
		return nil, ErrIndexMissing
	}

	if _, err := r.Seek(-FooterSize, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("bgzf2: failed to seek to seek-table footer: %w", err)
	}
	var footer [FooterSize]byte
	if _, err := io.ReadFull(r, footer[:]); err != nil {
		return nil, fmt.Errorf("bgzf2: failed to read seek-table footer: %w", err)
	}

	n := binary.LittleEndian.Uint32(footer[0:4])
	descriptor := footer[4]
	sentinel := binary.LittleEndian.Uint32(footer[5:9])

	if sentinel != frame.SeekableIndexSentinel {
		return nil, ErrIndexMissing
	}
	if descriptor&0x7C != 0 {
		return nil, fmt.Errorf("%w: reserved descriptor bits set", ErrIndexCorrupt)
	}
	checksumFlag := descriptor&0x80 != 0
	stride := int64(8)
	if checksumFlag {
		stride = 12
	}

	payloadLen := int64(n)*stride + FooterSize
	frameTotal := 8 + payloadLen // skippable header (magic+len) + payload
	start := fileSize - frameTotal
	if start < 0 {
		return nil, fmt.Errorf("%w: computed frame start %d is negative", ErrIndexCorrupt, start)
	}

	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("bgzf2: failed to seek to seek-table frame start: %w", err)
	}
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("bgzf2: failed to read seek-table frame header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != frame.SeekableIndexMagic {
		return nil, fmt.Errorf("%w: magic mismatch %#x", ErrIndexCorrupt, magic)
	}
	declared := int64(binary.LittleEndian.Uint32(hdr[4:8]))
	if declared != payloadLen {
		return nil, fmt.Errorf("%w: declared length %d != expected %d", ErrIndexCorrupt, declared, payloadLen)
	}

	body := make([]byte, payloadLen-FooterSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("bgzf2: failed to read seek-table entries: %w", err)
	}

	idx := newIndex()
	idx.frameSize = uint64(frameTotal)
	var cpos, upos uint64
	var id int64
	for off := int64(0); off < int64(len(body)); off += stride {
		comp := binary.LittleEndian.Uint32(body[off:])
		uncomp := binary.LittleEndian.Uint32(body[off+4:])
		var checksum uint32
		if checksumFlag {
			checksum = binary.LittleEndian.Uint32(body[off+8:])
		}
		e := &Entry{
			ID:           id,
			CompOffset:   cpos,
			UncompOffset: upos,
			CompSize:     comp,
			UncompSize:   uncomp,
			Checksum:     checksum,
		}
		idx.all = append(idx.all, e)
		idx.tree.ReplaceOrInsert(e)
		cpos += uint64(comp)
		upos += uint64(uncomp)
		id++
	}
	idx.endOffset = upos
	return idx, nil
}
