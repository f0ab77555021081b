package memtable

import (
	"errors"
	"fmt"
	"testing"

	"github.com/zmyer/scylla-sub000/pkg/arena"
	"github.com/zmyer/scylla-sub000/pkg/dberrors"
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/reader"
	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

func testSchema() *schema.Schema {
	return schema.New(1, []schema.ColumnDef{
		{ID: 1, Name: "v", Kind: schema.Regular},
		{ID: 2, Name: "w", Kind: schema.Regular},
	})
}

func mut(s *schema.Schema, key, row string, ts int64, val string) *partition.Mutation {
	m := partition.NewMutation(s, schema.DecorateKey([]byte(key)))
	m.Partition.ClusteredRow(s, schema.MakeClusteringKey([]byte(row))).
		Cells.Apply(1, partition.AtomicValue(partition.LiveCell(types.Timestamp(ts), []byte(val))))
	return m
}

func pos(seg, off uint64) types.ReplayPosition {
	return types.ReplayPosition{Segment: seg, Offset: off}
}

func TestApplyAndGet(t *testing.T) {
	s := testSchema()
	mt := New(1, s, arena.New(0))

	if err := mt.Apply(mut(s, "k", "r", 5, "old"), pos(1, 10)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := mt.Apply(mut(s, "k", "r", 10, "new"), pos(1, 20)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	m, ok := mt.Get(schema.DecorateKey([]byte("k")))
	if !ok {
		t.Fatalf("partition missing")
	}
	d, ok := m.Partition.FindRow(schema.MakeClusteringKey([]byte("r")))
	if !ok {
		t.Fatalf("row missing")
	}
	if v, ok := d.Cells.Get(1); !ok || string(v.Atomic.Value) != "new" {
		t.Fatalf("merge lost the later write: %+v", v.Atomic)
	}
	if hw := mt.HighWater(); hw != pos(1, 20) {
		t.Fatalf("high water = %+v, want segment 1 offset 20", hw)
	}
	if mt.Size() <= 0 {
		t.Fatalf("accounting did not grow")
	}
}

func TestHighWaterIsMonotonic(t *testing.T) {
	s := testSchema()
	mt := New(1, s, nil)
	if err := mt.Apply(mut(s, "a", "r", 1, "x"), pos(2, 5)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := mt.Apply(mut(s, "b", "r", 1, "y"), pos(1, 99)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if hw := mt.HighWater(); hw != pos(2, 5) {
		t.Fatalf("high water moved backwards: %+v", hw)
	}
}

func TestSealRejectsWrites(t *testing.T) {
	s := testSchema()
	mt := New(1, s, nil)
	mt.Seal()
	err := mt.Apply(mut(s, "k", "r", 1, "v"), pos(1, 1))
	if !errors.Is(err, dberrors.ErrSealed) {
		t.Fatalf("want ErrSealed, got %v", err)
	}
}

func TestDoubleSealPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("double seal must panic")
		}
	}()
	mt := New(1, testSchema(), nil)
	mt.Seal()
	mt.Seal()
}

func TestApplyAllocationFailureLeavesConsistentState(t *testing.T) {
	s := testSchema()
	ar := arena.New(0)
	mt := New(1, s, ar)

	if err := mt.Apply(mut(s, "k", "r", 1, "base"), pos(1, 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	used := ar.Used()
	hw := mt.HighWater()

	ar.FailAllocs(0)
	err := mt.Apply(mut(s, "k", "r2", 2, "fail"), pos(1, 2))
	if !errors.Is(err, dberrors.ErrAllocation) {
		t.Fatalf("want ErrAllocation, got %v", err)
	}
	if ar.Used() != used {
		t.Fatalf("failed apply leaked accounting: %d -> %d", used, ar.Used())
	}
	if mt.HighWater() != hw {
		t.Fatalf("failed apply advanced the high water mark")
	}

	// the retry must land normally
	if err := mt.Apply(mut(s, "k", "r2", 2, "fail"), pos(1, 2)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestScanReaderOrderAndRange(t *testing.T) {
	s := testSchema()
	mt := New(1, s, arena.New(0))
	keys := []string{"a", "b", "c", "d", "e"}
	for i, k := range keys {
		if err := mt.Apply(mut(s, k, "r", int64(i), k), pos(1, uint64(i))); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	r := mt.MakeReader(s, reader.FullKeyRange(), reader.FullSlice())
	var tokens []uint64
	for {
		m, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if m == nil {
			break
		}
		tokens = append(tokens, m.Key.Token)
	}
	if len(tokens) != len(keys) {
		t.Fatalf("want %d partitions, got %d", len(keys), len(tokens))
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i-1] >= tokens[i] {
			t.Fatalf("scan out of token order: %v", tokens)
		}
	}
}

func TestSingleKeyReader(t *testing.T) {
	s := testSchema()
	mt := New(1, s, nil)
	if err := mt.Apply(mut(s, "k", "r", 1, "v"), pos(1, 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	r := mt.MakeReader(s, reader.SingleKey(schema.DecorateKey([]byte("k"))), reader.FullSlice())
	m, err := r.Next()
	if err != nil || m == nil {
		t.Fatalf("next: %v %v", m, err)
	}
	if m2, _ := r.Next(); m2 != nil {
		t.Fatalf("singular reader must produce at most one partition")
	}

	miss := mt.MakeReader(s, reader.SingleKey(schema.DecorateKey([]byte("zz"))), reader.FullSlice())
	if m, _ := miss.Next(); m != nil {
		t.Fatalf("lookup miss must produce nothing")
	}
}

func TestScanReaderReseeksAfterReclaim(t *testing.T) {
	s := testSchema()
	ar := arena.New(0)
	mt := New(1, s, ar)
	for i := 0; i < 4; i++ {
		k := fmt.Sprintf("k%d", i)
		if err := mt.Apply(mut(s, k, "r", 1, k), pos(1, uint64(i))); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	r := mt.MakeReader(s, reader.FullKeyRange(), reader.FullSlice())
	if m, err := r.Next(); err != nil || m == nil {
		t.Fatalf("first next: %v %v", m, err)
	}

	// a reclaim pass between calls must not repeat or drop partitions
	ar.Reclaim(1)
	seen := 1
	for {
		m, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if m == nil {
			break
		}
		seen++
	}
	if seen != 4 {
		t.Fatalf("saw %d partitions across a reclaim, want 4", seen)
	}
}

func TestLazySchemaUpgradeOnTouch(t *testing.T) {
	v1 := testSchema()
	mt := New(1, v1, nil)
	m := partition.NewMutation(v1, schema.DecorateKey([]byte("k")))
	row := m.Partition.ClusteredRow(v1, schema.MakeClusteringKey([]byte("r")))
	row.Cells.Apply(1, partition.AtomicValue(partition.LiveCell(1, []byte("keep"))))
	row.Cells.Apply(2, partition.AtomicValue(partition.LiveCell(1, []byte("drop"))))
	if err := mt.Apply(m, pos(1, 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	v2 := schema.New(2, []schema.ColumnDef{{ID: 1, Name: "v", Kind: schema.Regular}})
	mt.SetSchema(v2)

	got, ok := mt.Get(schema.DecorateKey([]byte("k")))
	if !ok {
		t.Fatalf("partition missing")
	}
	if got.Schema.Version != 2 {
		t.Fatalf("read did not upgrade the entry, schema version %d", got.Schema.Version)
	}
	d, _ := got.Partition.FindRow(schema.MakeClusteringKey([]byte("r")))
	if _, ok := d.Cells.Get(2); ok {
		t.Fatalf("column dropped by the new schema survived the upgrade")
	}
	if _, ok := d.Cells.Get(1); !ok {
		t.Fatalf("column kept by the new schema was lost")
	}
}

func TestFlushReaderDrainsOnceWithAccounting(t *testing.T) {
	s := testSchema()
	ar := arena.New(0)
	mt := New(1, s, ar)
	for _, k := range []string{"a", "b", "c"} {
		if err := mt.Apply(mut(s, k, "r", 1, k), pos(1, 1)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	total := mt.Size()
	mt.Seal()

	var reported int64
	fr, err := mt.MakeFlushReader(func(d int64) { reported += d })
	if err != nil {
		t.Fatalf("flush reader: %v", err)
	}
	n := 0
	for {
		m, err := fr.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if m == nil {
			break
		}
		n++
	}
	if n != 3 {
		t.Fatalf("drained %d partitions, want 3", n)
	}
	if reported != total {
		t.Fatalf("sink saw %d bytes, accounted %d", reported, total)
	}

	mt.MarkFlushed()
	mt.Destroy()
	if ar.Used() != 0 {
		t.Fatalf("destroy left %d bytes accounted", ar.Used())
	}
}

func TestFlushReaderSingleDrain(t *testing.T) {
	s := testSchema()
	mt := New(1, s, nil)
	if err := mt.Apply(mut(s, "a", "r", 1, "a"), pos(1, 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	mt.Seal()

	fr, err := mt.MakeFlushReader(nil)
	if err != nil {
		t.Fatalf("flush reader: %v", err)
	}
	if _, err := mt.MakeFlushReader(nil); !errors.Is(err, dberrors.ErrFlushRunning) {
		t.Fatalf("second concurrent drain got %v, want ErrFlushRunning", err)
	}

	// aborting hands the drain back; a retry may start over
	fr.Abort()
	if _, err := mt.MakeFlushReader(nil); err != nil {
		t.Fatalf("flush reader after abort: %v", err)
	}
}

func TestFlushReaderAbortReversesAccounting(t *testing.T) {
	s := testSchema()
	mt := New(1, s, nil)
	for _, k := range []string{"a", "b", "c"} {
		if err := mt.Apply(mut(s, k, "r", 1, k), pos(1, 1)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	mt.Seal()

	var reported int64
	fr, err := mt.MakeFlushReader(func(d int64) { reported += d })
	if err != nil {
		t.Fatalf("flush reader: %v", err)
	}
	if m, err := fr.Next(); err != nil || m == nil {
		t.Fatalf("next: %v %v", m, err)
	}
	if reported <= 0 {
		t.Fatalf("no incremental progress reported")
	}
	fr.Abort()
	if reported != 0 {
		t.Fatalf("abort left %d bytes reported", reported)
	}
	if m, _ := fr.Next(); m != nil {
		t.Fatalf("aborted flush reader must be exhausted")
	}

	// a fresh reader drains from the start without double counting
	var second int64
	fr2, err := mt.MakeFlushReader(func(d int64) { second += d })
	if err != nil {
		t.Fatalf("flush reader after abort: %v", err)
	}
	n := 0
	for {
		m, err := fr2.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if m == nil {
			break
		}
		n++
	}
	if n != 3 || second != mt.Size() {
		t.Fatalf("retried flush drained %d partitions reporting %d of %d bytes", n, second, mt.Size())
	}
}
