// Package bytebuf provides an append-only, chunked byte accumulator used to
// serialize partitions. Already-written bytes never move, so placeholders
// handed out for later back-filling stay valid until the next Linearize.
package bytebuf

import (
	"bytes"
	"encoding/binary"
)

const (
	// DefaultInitialChunk is the capacity of the first chunk.
	DefaultInitialChunk = 512
	// MaxChunkSize caps the doubling growth of follow-up chunks.
	MaxChunkSize = 128 * 1024
)

// Buffer accumulates bytes in a sequence of fixed-capacity chunks. Chunks are
// only ever appended, never reallocated, except by Linearize which collapses
// everything into a single chunk.
type Buffer struct {
	chunks    [][]byte
	size      int
	nextChunk int
	gen       uint64 // bumped by Linearize, invalidates placeholders
}

// New returns a Buffer whose first chunk has the given capacity.
// A non-positive size falls back to DefaultInitialChunk.
func New(initial int) *Buffer {
	if initial <= 0 {
		initial = DefaultInitialChunk
	}
	return &Buffer{nextChunk: initial}
}

// Size returns the number of bytes written so far.
func (b *Buffer) Size() int { return b.size }

func (b *Buffer) grow(n int) []byte {
	sz := b.nextChunk
	if b.nextChunk < MaxChunkSize {
		b.nextChunk *= 2
	}
	if n > sz {
		// oversized writes get a dedicated chunk
		sz = n
	}
	c := make([]byte, 0, sz)
	b.chunks = append(b.chunks, c)
	return c
}

// Write appends p. A write never spans a chunk boundary: if p does not fit in
// the free space of the last chunk, it goes into a fresh chunk.
func (b *Buffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	last := len(b.chunks) - 1
	if last < 0 || cap(b.chunks[last])-len(b.chunks[last]) < len(p) {
		b.grow(len(p))
		last = len(b.chunks) - 1
	}
	b.chunks[last] = append(b.chunks[last], p...)
	b.size += len(p)
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(v byte) {
	b.Write([]byte{v})
}

// WriteUint32 appends v in little-endian order.
func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

// WriteUint64 appends v in little-endian order.
func (b *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

// WriteUvarint appends v in varint encoding.
func (b *Buffer) WriteUvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	b.Write(tmp[:n])
}

// Placeholder is a reservation of n bytes that can be filled after subsequent
// writes, used for length-prefixed framing. It stays valid until the Buffer
// is linearized.
type Placeholder struct {
	buf   *Buffer
	chunk int
	off   int
	n     int
	gen   uint64
}

// WritePlaceholder reserves n zero bytes and returns a handle to fill them
// later in place.
func (b *Buffer) WritePlaceholder(n int) Placeholder {
	last := len(b.chunks) - 1
	if last < 0 || cap(b.chunks[last])-len(b.chunks[last]) < n {
		b.grow(n)
		last = len(b.chunks) - 1
	}
	off := len(b.chunks[last])
	b.chunks[last] = b.chunks[last][:off+n]
	for i := off; i < off+n; i++ {
		b.chunks[last][i] = 0
	}
	b.size += n
	return Placeholder{buf: b, chunk: last, off: off, n: n, gen: b.gen}
}

// Fill back-fills the reserved bytes. Filling a placeholder that was
// invalidated by Linearize is a programming error.
func (p Placeholder) Fill(data []byte) {
	if p.buf == nil || p.gen != p.buf.gen {
		panic("bytebuf: fill of invalidated placeholder")
	}
	if len(data) != p.n {
		panic("bytebuf: placeholder fill size mismatch")
	}
	copy(p.buf.chunks[p.chunk][p.off:p.off+p.n], data)
}

// FillUint32 back-fills a 4-byte placeholder with v in little-endian order.
func (p Placeholder) FillUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	p.Fill(tmp[:])
}

// Mark is a rollback point returned by Pos.
type Mark struct {
	chunk int
	off   int
	size  int
}

// Pos returns the current write position for a later Retract.
func (b *Buffer) Pos() Mark {
	last := len(b.chunks) - 1
	if last < 0 {
		return Mark{chunk: 0, off: 0, size: 0}
	}
	return Mark{chunk: last, off: len(b.chunks[last]), size: b.size}
}

// Retract discards everything written after m.
func (b *Buffer) Retract(m Mark) {
	if m.size > b.size {
		panic("bytebuf: retract past the end")
	}
	if len(b.chunks) == 0 {
		return
	}
	if m.size == 0 && m.chunk == 0 && m.off == 0 {
		b.chunks = b.chunks[:0]
		b.size = 0
		return
	}
	b.chunks = b.chunks[:m.chunk+1]
	b.chunks[m.chunk] = b.chunks[m.chunk][:m.off]
	b.size = m.size
}

// Linearize collapses the buffer into one contiguous chunk and returns it.
// All previously returned placeholders become invalid.
func (b *Buffer) Linearize() []byte {
	if len(b.chunks) == 1 {
		return b.chunks[0]
	}
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	b.chunks = b.chunks[:0]
	b.chunks = append(b.chunks, out)
	b.gen++
	return out
}

// Equal compares logical byte content irrespective of chunk boundaries.
func (b *Buffer) Equal(o *Buffer) bool {
	if b.size != o.size {
		return false
	}
	var bi, bo, ci, co int
	for {
		for ci < len(b.chunks) && bi >= len(b.chunks[ci]) {
			ci, bi = ci+1, 0
		}
		for co < len(o.chunks) && bo >= len(o.chunks[co]) {
			co, bo = co+1, 0
		}
		if ci == len(b.chunks) || co == len(o.chunks) {
			return ci == len(b.chunks) && co == len(o.chunks)
		}
		n := len(b.chunks[ci]) - bi
		if m := len(o.chunks[co]) - bo; m < n {
			n = m
		}
		if !bytes.Equal(b.chunks[ci][bi:bi+n], o.chunks[co][bo:bo+n]) {
			return false
		}
		bi += n
		bo += n
	}
}

// Frame is an open length-prefixed frame. Frames may nest.
type Frame struct {
	ph    Placeholder
	start int
}

// BeginFrame reserves a 4-byte little-endian length field. The payload is
// whatever gets written between BeginFrame and EndFrame.
func (b *Buffer) BeginFrame() Frame {
	ph := b.WritePlaceholder(4)
	return Frame{ph: ph, start: b.size}
}

// EndFrame back-fills the frame's length field with the payload size.
func (b *Buffer) EndFrame(f Frame) {
	f.ph.FillUint32(uint32(b.size - f.start))
}
