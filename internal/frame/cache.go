package frame

import (
	"fmt"
	"io"

	"golang.org/x/sync/singleflight"
)

// Cache decodes frames addressed by their compressed-stream offset,
// collapsing concurrent requests for the same offset onto a single
// decode. This is the rendering of a "ReadAt-style" random-access reader:
// several goroutines resolving genomic-index hits that happen to land on
// the same data frame only pay for one decompress, the same role
// singleflight.Group plays in front of a compressed-chunk reader's
// backing store.
type Cache struct {
	ra    io.ReaderAt
	group singleflight.Group
	fetch func(compOffset uint64) ([]byte, Size, error)
}

// NewCache wraps ra (typically the handle's underlying file) with a
// decode function supplied by the caller, since decoding needs a
// goroutine-local codec state this package does not own.
func NewCache(ra io.ReaderAt, fetch func(compOffset uint64) ([]byte, Size, error)) *Cache {
	return &Cache{ra: ra, fetch: fetch}
}

// Fetch returns the decompressed bytes of the frame starting at
// compOffset, deduplicating concurrent callers requesting the same
// offset.
func (c *Cache) Fetch(compOffset uint64) ([]byte, Size, error) {
	key := fmt.Sprintf("%d", compOffset)
	v, err, _ := c.group.Do(key, func() (any, error) {
		buf, size, err := c.fetch(compOffset)
		if err != nil {
			return nil, err
		}
		return cacheEntry{buf: buf, size: size}, nil
	})
	if err != nil {
		return nil, Size{}, err
	}
	ce := v.(cacheEntry)
	return ce.buf, ce.size, nil
}

type cacheEntry struct {
	buf  []byte
	size Size
}
