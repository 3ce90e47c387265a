package gdbserial

import (
	"errors"
	"testing"
)

type countingMemory struct {
	data  []byte
	reads int
}

func (m *countingMemory) read(buf []byte, addr uint64) error {
	m.reads++
	if addr+uint64(len(buf)) > uint64(len(m.data)) {
		return errors.New("out of bounds")
	}
	copy(buf, m.data[addr:])
	return nil
}

func newCountingMemory(size int) *countingMemory {
	m := &countingMemory{data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = byte(i)
	}
	return m
}

func TestMemCache(t *testing.T) {
	m := newCountingMemory(200)
	c := newMemCache(4, m.read)

	buf := make([]byte, 10)
	assertNoError(c.ReadMemory(buf, 60), t, "ReadMemory")
	for i := range buf {
		if buf[i] != byte(60+i) {
			t.Fatalf("wrong byte at %d: %d", i, buf[i])
		}
	}
	if m.reads != 2 {
		t.Fatalf("expected 2 block reads, got %d", m.reads)
	}

	assertNoError(c.ReadMemory(buf[:4], 0), t, "ReadMemory")
	if m.reads != 2 {
		t.Fatalf("cached read went to the target: %d reads", m.reads)
	}

	c.Purge()
	assertNoError(c.ReadMemory(buf[:4], 0), t, "ReadMemory")
	if m.reads != 3 {
		t.Fatalf("expected a read after purge, got %d reads", m.reads)
	}
}

func TestMemCacheEviction(t *testing.T) {
	m := newCountingMemory(200)
	c := newMemCache(1, m.read)
	buf := make([]byte, 1)
	for _, addr := range []uint64{0, 64, 0} {
		assertNoError(c.ReadMemory(buf, addr), t, "ReadMemory")
	}
	if m.reads != 3 {
		t.Fatalf("expected 3 reads, got %d", m.reads)
	}
}

func TestMemCacheEndOfMapping(t *testing.T) {
	m := newCountingMemory(100)
	c := newMemCache(0, m.read)
	buf := make([]byte, 10)
	assertNoError(c.ReadMemory(buf, 90), t, "ReadMemory")
	if buf[0] != 90 || buf[9] != 99 {
		t.Fatalf("wrong data %v", buf)
	}
	if err := c.ReadMemory(buf, 95); err == nil {
		t.Fatal("read past the end succeeded")
	}
}
