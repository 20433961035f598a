package bgzf2

import (
	"errors"
	"io"
)

// memFile is an in-memory io.ReadWriteSeeker + io.ReaderAt + Sync, used as
// the backing file handle across this package's tests so round trips
// don't touch the filesystem.
type memFile struct {
	buf []byte
	pos int64
}

func newMemFile() *memFile { return &memFile{} }

func (m *memFile) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) Write(p []byte) (int, error) {
	need := m.pos + int64(len(p))
	if need > int64(len(m.buf)) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = m.pos + offset
	case io.SeekEnd:
		target = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("memFile: bad whence")
	}
	if target < 0 {
		return 0, errors.New("memFile: negative position")
	}
	m.pos = target
	return m.pos, nil
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) Sync() error { return nil }

// Close rewinds the cursor, so a handle opened on the same memFile after
// a writer handle closed it starts at offset 0, as a reopened file would.
func (m *memFile) Close() error {
	m.pos = 0
	return nil
}
