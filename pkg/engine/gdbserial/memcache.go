package gdbserial

import (
	lru "github.com/hashicorp/golang-lru"
)

const (
	cacheBlockSize     = 64
	defaultCacheBlocks = 256
)

// memCache keeps aligned blocks of debuggee memory between two resumes.
type memCache struct {
	blocks *lru.Cache
	read   func(buf []byte, addr uint64) error
}

func newMemCache(size int, read func(buf []byte, addr uint64) error) *memCache {
	if size <= 0 {
		size = defaultCacheBlocks
	}
	blocks, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &memCache{blocks: blocks, read: read}
}

func (c *memCache) ReadMemory(buf []byte, addr uint64) error {
	for len(buf) > 0 {
		base := addr &^ (cacheBlockSize - 1)
		blk, err := c.block(base)
		if err != nil {
			// the block crosses the end of a mapping, read exactly what was asked
			return c.read(buf, addr)
		}
		n := copy(buf, blk[addr-base:])
		buf = buf[n:]
		addr += uint64(n)
	}
	return nil
}

func (c *memCache) block(base uint64) ([]byte, error) {
	if v, ok := c.blocks.Get(base); ok {
		return v.([]byte), nil
	}
	blk := make([]byte, cacheBlockSize)
	if err := c.read(blk, base); err != nil {
		return nil, err
	}
	c.blocks.Add(base, blk)
	return blk, nil
}

// Purge drops every cached block.
func (c *memCache) Purge() {
	c.blocks.Purge()
}
