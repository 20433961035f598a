// Package bytebuf implements the growable, owned byte buffer that backs
// every uncompressed and compressed scratch area in a BGZF2 handle.
package bytebuf

// Buffer is a grow-to-at-least byte buffer with an explicit read/write
// cursor. Grow and Append never shrink it: once it has grown to hold a
// large block it keeps that capacity, so that repeated writes of
// typically-sized blocks never re-allocate. Swap and ReplaceWith install
// different backing storage, whose capacity may be smaller.
//
// The three fields named in the design (alloc/size/pos) map onto
// cap(buf), the logical length, and the cursor respectively.
type Buffer struct {
	buf []byte // alloc = cap(buf)
	sz  int    // size = valid, populated length
	pos int    // pos = read/write cursor within [0, sz]
}

// New returns a Buffer with no backing storage; it is allocated lazily on
// first Grow.
func New() *Buffer {
	return &Buffer{}
}

// NewSize returns a Buffer pre-grown to hold at least n bytes.
func NewSize(n int) *Buffer {
	b := &Buffer{}
	b.Grow(n)
	return b
}

// Grow ensures the buffer's capacity is at least n, never shrinking the
// existing allocation. Newly added capacity is zeroed lazily by the Go
// runtime allocator; Grow does not touch bytes beyond the previous size.
func (b *Buffer) Grow(n int) {
	if cap(b.buf) >= n {
		return
	}
	next := make([]byte, n)
	copy(next, b.buf[:b.sz])
	b.buf = next
}

// Reset truncates the buffer to zero length and rewinds the cursor,
// keeping the backing allocation for reuse.
func (b *Buffer) Reset() {
	b.sz = 0
	b.pos = 0
}

// Cap returns the current backing allocation size.
func (b *Buffer) Cap() int { return cap(b.buf) }

// Len returns the number of valid bytes currently stored.
func (b *Buffer) Len() int { return b.sz }

// Pos returns the current cursor position.
func (b *Buffer) Pos() int { return b.pos }

// SetPos repositions the cursor without changing the valid length.
func (b *Buffer) SetPos(pos int) { b.pos = pos }

// Remaining returns how many valid bytes are left to read from the cursor.
func (b *Buffer) Remaining() int { return b.sz - b.pos }

// Bytes returns the valid portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.buf[:b.sz] }

// Unread returns the not-yet-consumed tail of the buffer, i.e. the bytes
// from the cursor to the end of valid data.
func (b *Buffer) Unread() []byte { return b.buf[b.pos:b.sz] }

// Free returns the writable tail capacity beyond the valid length.
func (b *Buffer) Free() []byte { return b.buf[b.sz:cap(b.buf)] }

// Append copies p onto the end of the buffer, growing as needed, and
// advances the valid length (but not the cursor).
func (b *Buffer) Append(p []byte) {
	need := b.sz + len(p)
	if need > cap(b.buf) {
		grown := cap(b.buf) * 2
		if grown < need {
			grown = need
		}
		b.Grow(grown)
	}
	b.sz += copy(b.buf[b.sz:cap(b.buf)], p)
}

// CommitWrite extends the valid length after the caller has written
// directly into the slice returned by Free.
func (b *Buffer) CommitWrite(n int) { b.sz += n }

// ReadAt copies up to len(dst) bytes starting at the cursor, advancing it,
// and returns how many bytes were copied.
func (b *Buffer) ReadAt(dst []byte) int {
	n := copy(dst, b.buf[b.pos:b.sz])
	b.pos += n
	return n
}

// Swap exchanges the backing storage of two buffers. Used by the decoder
// pipeline to hand a freshly decoded block to the caller without a copy:
// both sides must treat their prior contents as moved-from afterwards.
func (b *Buffer) Swap(o *Buffer) {
	b.buf, o.buf = o.buf, b.buf
	b.sz, o.sz = o.sz, b.sz
	b.pos, o.pos = o.pos, b.pos
}

// ReplaceWith discards the current contents and takes ownership of p
// directly, avoiding a copy for buffers produced by a one-shot decode.
func (b *Buffer) ReplaceWith(p []byte) {
	b.buf = p
	b.sz = len(p)
	b.pos = 0
}
