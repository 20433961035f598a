// Package gindex implements the optional genomic index (§4.4): the
// chromosome x interval -> uncompressed-offset table that lets a caller
// resolve a (tid, beg, end) coordinate to the frame that covers it
// without interpreting the payload bytes themselves.
package gindex

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/btree"

	"github.com/saveitor/bgzf2/internal/frame"
)

// EOFFrameStart is the "no coverage anywhere" sentinel Query returns,
// matching §4.4's UINT64_MAX convention so a caller's subsequent read
// lands cleanly on end-of-stream.
const EOFFrameStart uint64 = ^uint64(0)

// ErrCorrupt is returned by Parse when the trailer sentinel or declared
// length does not check out.
var ErrCorrupt = errors.New("bgzf2: genomic index is corrupt")

// Entry is one row of a tid's ordered interval list. tid is stored
// already shifted by +1, per §3's "caller-supplied identifiers are
// shifted by +1" (0 is reserved for unmapped records).
type Entry struct {
	Tid        uint32
	Beg        int64
	End        int64
	FrameStart uint64
}

func lessByBeg(a, b *Entry) bool { return a.Beg < b.Beg }

// Builder accumulates entries per tid while records are written, per
// §4.4 "Add entry".
type Builder struct {
	order []uint32
	byTid map[uint32][]*Entry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{byTid: make(map[uint32][]*Entry)}
}

// AddEntry implements §4.4's grow-or-widen rule: tid is shifted by +1 (0
// stays reserved for "unmapped"); a new entry is appended if the tid's
// list is empty or the last entry's FrameStart differs from the current
// frame's uncompressed start, otherwise the last entry's [beg,end] is
// widened to include the new record.
func (b *Builder) AddEntry(tid int, beg, end int64, frameStart uint64) {
	shifted := uint32(tid + 1)
	list, ok := b.byTid[shifted]
	if !ok {
		b.order = append(b.order, shifted)
	}
	if len(list) == 0 || list[len(list)-1].FrameStart != frameStart {
		b.byTid[shifted] = append(list, &Entry{Tid: shifted, Beg: beg, End: end, FrameStart: frameStart})
		return
	}
	last := list[len(list)-1]
	if beg < last.Beg {
		last.Beg = beg
	}
	if end > last.End {
		last.End = end
	}
}

// Marshal produces the full skippable frame per §4.4 "Write": flag byte,
// chromosome count C, then per tid a flag byte, frame count K, and K
// (tid,beg,end,frame_start) tuples; trailer is total length including
// itself plus the sentinel.
func (b *Builder) Marshal() []byte {
	var body []byte
	body = append(body, 0) // top-level flag byte, reserved
	var cbuf [4]byte
	binary.LittleEndian.PutUint32(cbuf[:], uint32(len(b.order)))
	body = append(body, cbuf[:]...)

	for _, tid := range b.order {
		list := b.byTid[tid]
		body = append(body, 0) // per-tid flag byte, reserved
		var kbuf [4]byte
		binary.LittleEndian.PutUint32(kbuf[:], uint32(len(list)))
		body = append(body, kbuf[:]...)
		for _, e := range list {
			var row [20]byte
			binary.LittleEndian.PutUint32(row[0:4], e.Tid)
			binary.LittleEndian.PutUint32(row[4:8], uint32(e.Beg))
			binary.LittleEndian.PutUint32(row[8:12], uint32(e.End))
			binary.LittleEndian.PutUint64(row[12:20], e.FrameStart)
			body = append(body, row[:]...)
		}
	}

	// The trailer is the last 8 bytes of the skippable payload, so the
	// whole frame stays skippable by any Zstd decoder.
	totalLen := 8 + len(body) + 8 // skippable header + body + trailer
	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint32(trailer[4:8], frame.GenomicIndexSentinel)
	return frame.CreateSkippable(frame.GenomicIndexMagic, append(body, trailer[:]...))
}

// Index is the parsed, queryable genomic index.
type Index struct {
	order []uint32
	byTid map[uint32]*btree.BTreeG[*Entry]
	size  uint64 // total on-disk size of the frame, trailer included
}

// Size returns the total on-disk size of the genomic-index frame
// (including its trailer), so a caller can position before it.
func (idx *Index) Size() uint64 { return idx.size }

// Empty returns an Index with no coverage anywhere, for streams that
// carry no genomic index at all; Query on it always falls through to
// EOFFrameStart.
func Empty() *Index {
	return &Index{byTid: make(map[uint32]*btree.BTreeG[*Entry])}
}

// Parse decodes a genomic-index frame previously read backward from the
// file per §4.4 "Read" (positioning is the caller's responsibility; this
// function only decodes the bytes once located). buf must begin at the
// skippable frame's magic and extend through the trailer.
func Parse(buf []byte) (*Index, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("%w: frame too short", ErrCorrupt)
	}
	trailer := buf[len(buf)-8:]
	declaredLen := binary.LittleEndian.Uint32(trailer[0:4])
	sentinel := binary.LittleEndian.Uint32(trailer[4:8])
	if sentinel != frame.GenomicIndexSentinel {
		return nil, fmt.Errorf("%w: sentinel mismatch %#x", ErrCorrupt, sentinel)
	}
	if int(declaredLen) != len(buf) {
		return nil, fmt.Errorf("%w: declared length %d != %d", ErrCorrupt, declaredLen, len(buf))
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != frame.GenomicIndexMagic {
		return nil, fmt.Errorf("%w: magic mismatch %#x", ErrCorrupt, magic)
	}
	payloadLen := binary.LittleEndian.Uint32(buf[4:8])
	body := buf[8:]
	if uint32(len(body)) < payloadLen {
		return nil, fmt.Errorf("%w: truncated payload", ErrCorrupt)
	}
	body = body[:payloadLen]

	idx := &Index{byTid: make(map[uint32]*btree.BTreeG[*Entry]), size: uint64(len(buf))}

	if len(body) < 5 {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	pos := 1 // skip top-level flag byte
	c := binary.LittleEndian.Uint32(body[pos : pos+4])
	pos += 4

	for t := uint32(0); t < c; t++ {
		if pos+5 > len(body) {
			return nil, fmt.Errorf("%w: truncated tid header", ErrCorrupt)
		}
		pos++ // per-tid flag byte
		k := binary.LittleEndian.Uint32(body[pos : pos+4])
		pos += 4

		var tid uint32
		tree := btree.NewG(8, lessByBeg)
		for i := uint32(0); i < k; i++ {
			if pos+20 > len(body) {
				return nil, fmt.Errorf("%w: truncated entry", ErrCorrupt)
			}
			row := body[pos : pos+20]
			e := &Entry{
				Tid:        binary.LittleEndian.Uint32(row[0:4]),
				Beg:        int64(int32(binary.LittleEndian.Uint32(row[4:8]))),
				End:        int64(int32(binary.LittleEndian.Uint32(row[8:12]))),
				FrameStart: binary.LittleEndian.Uint64(row[12:20]),
			}
			tid = e.Tid
			tree.ReplaceOrInsert(e)
			pos += 20
		}
		if k > 0 {
			idx.order = append(idx.order, tid)
			idx.byTid[tid] = tree
		}
	}

	return idx, nil
}

// Query implements §4.4 "Query": scan tid's entries for the first whose
// End is at or past beg; if tid has no coverage at or after beg, take the
// lowest higher tid with a non-empty list (whether or not tid itself is
// present) and return its first entry's FrameStart; otherwise return
// EOFFrameStart.
func (idx *Index) Query(tid int, beg, end int64) (uint64, bool) {
	shifted := uint32(tid + 1)

	if tree, ok := idx.byTid[shifted]; ok {
		if fs, found := scanFrom(tree, beg); found {
			return fs, true
		}
	}

	var next *btree.BTreeG[*Entry]
	var nextTid uint32
	for _, t := range idx.order {
		if tree := idx.byTid[t]; t > shifted && tree != nil && tree.Len() > 0 && (next == nil || t < nextTid) {
			next, nextTid = tree, t
		}
	}
	if next != nil {
		var fs uint64
		next.Ascend(func(e *Entry) bool {
			fs = e.FrameStart
			return false
		})
		return fs, true
	}

	return EOFFrameStart, false
}

func scanFrom(tree *btree.BTreeG[*Entry], beg int64) (uint64, bool) {
	var fs uint64
	found := false
	tree.Ascend(func(e *Entry) bool {
		if e.End >= beg {
			fs = e.FrameStart
			found = true
			return false
		}
		return true
	})
	return fs, found
}
