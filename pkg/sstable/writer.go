package sstable

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/golang/snappy"

	"github.com/zmyer/scylla-sub000/pkg/bytebuf"
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/reader"
	"github.com/zmyer/scylla-sub000/pkg/schema"
)

// block is one compressed run of framed mutations.
type block struct {
	firstKey schema.DecoratedKey
	data     []byte // snappy-compressed
	raw      int    // uncompressed size
}

// Table is an immutable, ordered collection of partitions. It implements the
// durable-layer side of the reader interfaces.
type Table struct {
	gen      uint64
	blocks   []block
	presence *roaring.Bitmap
	count    int
}

// Gen returns the table's generation number.
func (t *Table) Gen() uint64 { return t.gen }

// Count returns the number of partitions stored.
func (t *Table) Count() int { return t.count }

// Presence returns a checker answering DefinitelyAbsent for keys whose
// presence bit is unset. False positives are possible, false absences not.
func (t *Table) Presence() reader.PresenceChecker {
	return func(key schema.DecoratedKey) reader.Presence {
		if t.presence.Contains(presenceBit(key)) {
			return reader.MaybePresent
		}
		return reader.DefinitelyAbsent
	}
}

func presenceBit(key schema.DecoratedKey) uint32 {
	return uint32(key.Token) ^ uint32(key.Token>>32)
}

// Writer builds a Table from mutations added in decorated-key order.
type Writer struct {
	gen      uint64
	buf      *bytebuf.Buffer
	blocks   []block
	presence *roaring.Bitmap
	first    *schema.DecoratedKey
	last     *schema.DecoratedKey
	count    int
	done     bool
}

// NewWriter returns a writer for generation gen.
func NewWriter(gen uint64) *Writer {
	return &Writer{
		gen:      gen,
		buf:      bytebuf.New(targetBlockSize),
		presence: roaring.New(),
	}
}

// Add appends one partition. Keys must arrive in strictly ascending order;
// empty partitions are skipped.
func (w *Writer) Add(m *partition.Mutation) error {
	if w.done {
		panic("sstable: add after finish")
	}
	if m.Partition.Empty() {
		return nil
	}
	if w.last != nil && schema.CompareKeys(m.Key, *w.last) <= 0 {
		return fmt.Errorf("sstable: key out of order: token %x after %x", m.Key.Token, w.last.Token)
	}
	k := m.Key
	w.last = &k
	if w.first == nil {
		w.first = &k
	}

	encodeMutation(w.buf, m)
	w.presence.Add(presenceBit(m.Key))
	w.count++

	if w.buf.Size() >= targetBlockSize {
		w.cut()
	}
	return nil
}

// cut compresses the pending frames into a block.
func (w *Writer) cut() {
	if w.buf.Size() == 0 {
		return
	}
	raw := w.buf.Linearize()
	w.blocks = append(w.blocks, block{
		firstKey: *w.first,
		data:     snappy.Encode(nil, raw),
		raw:      len(raw),
	})
	w.buf = bytebuf.New(targetBlockSize)
	w.first = nil
}

// Finish seals the writer and returns the table.
func (w *Writer) Finish() *Table {
	if w.done {
		panic("sstable: finish twice")
	}
	w.done = true
	w.cut()
	return &Table{gen: w.gen, blocks: w.blocks, presence: w.presence, count: w.count}
}

// Build drains a partition reader into a finished table.
func Build(gen uint64, r reader.PartitionReader) (*Table, error) {
	w := NewWriter(gen)
	for {
		m, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("sstable build: %w", err)
		}
		if m == nil {
			return w.Finish(), nil
		}
		if err := w.Add(m); err != nil {
			return nil, err
		}
	}
}
