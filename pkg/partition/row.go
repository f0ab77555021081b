package partition

import (
	"math/bits"
	"sort"

	"github.com/zmyer/scylla-sub000/pkg/types"
)

// denseColumns is the column-id ceiling of the dense row representation.
const denseColumns = 32

type rowRep uint8

const (
	repDense rowRep = iota
	repSorted
)

// Row maps column ids to cells. Rows whose column ids all fit below
// denseColumns use a dense vector plus a presence bitmap; the first column
// beyond that converts the row to a sorted representation, a one-way switch.
type Row struct {
	rep      rowRep
	presence uint32
	dense    []ColumnValue
	sorted   []sortedColumn
}

type sortedColumn struct {
	id  types.ColumnID
	val ColumnValue
}

// Get returns the value stored under id.
func (r *Row) Get(id types.ColumnID) (ColumnValue, bool) {
	if r.rep == repDense {
		if id >= denseColumns || r.presence&(1<<id) == 0 {
			return ColumnValue{}, false
		}
		return r.dense[id], true
	}
	i, ok := r.search(id)
	if !ok {
		return ColumnValue{}, false
	}
	return r.sorted[i].val, true
}

func (r *Row) search(id types.ColumnID) (int, bool) {
	i := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i].id >= id })
	return i, i < len(r.sorted) && r.sorted[i].id == id
}

// convertToSorted performs the irreversible dense-to-sorted upgrade.
func (r *Row) convertToSorted() {
	cols := make([]sortedColumn, 0, r.CellCount()+1)
	for p := r.presence; p != 0; p &= p - 1 {
		id := types.ColumnID(bits.TrailingZeros32(p))
		cols = append(cols, sortedColumn{id: id, val: r.dense[id]})
	}
	r.rep = repSorted
	r.sorted = cols
	r.dense = nil
	r.presence = 0
}

// Apply merges one cell into the row under last-writer-wins rules.
func (r *Row) Apply(id types.ColumnID, v ColumnValue) {
	if r.rep == repDense {
		if id < denseColumns {
			if r.dense == nil {
				r.dense = make([]ColumnValue, denseColumns)
			}
			if r.presence&(1<<id) != 0 {
				r.dense[id].Apply(v)
			} else {
				r.dense[id] = v
				r.presence |= 1 << id
			}
			return
		}
		r.convertToSorted()
	}
	i, ok := r.search(id)
	if ok {
		r.sorted[i].val.Apply(v)
		return
	}
	r.sorted = append(r.sorted, sortedColumn{})
	copy(r.sorted[i+1:], r.sorted[i:])
	r.sorted[i] = sortedColumn{id: id, val: v}
}

// CellRevert undoes one reversible cell application exactly.
type CellRevert struct {
	row  *Row
	id   types.ColumnID
	had  bool
	prev ColumnValue
}

// ApplyReversible merges a cell and returns a revert record that restores
// the previous state of that column. This is the one merge path that keeps
// true undo state; everything else achieves atomicity by staging a copy and
// swapping it in.
func (r *Row) ApplyReversible(id types.ColumnID, v ColumnValue) CellRevert {
	rev := CellRevert{row: r, id: id}
	if prev, ok := r.Get(id); ok {
		rev.had = true
		rev.prev = prev.Clone()
	}
	r.Apply(id, v)
	return rev
}

// Revert restores the column to its state before the paired ApplyReversible.
// The representation switch is not reverted; it only affects layout.
func (rev CellRevert) Revert() {
	if rev.had {
		rev.row.set(rev.id, rev.prev)
		return
	}
	rev.row.Delete(rev.id)
}

// set stores v without merging.
func (r *Row) set(id types.ColumnID, v ColumnValue) {
	if r.rep == repDense && id < denseColumns {
		if r.dense == nil {
			r.dense = make([]ColumnValue, denseColumns)
		}
		r.dense[id] = v
		r.presence |= 1 << id
		return
	}
	if r.rep == repDense {
		r.convertToSorted()
	}
	i, ok := r.search(id)
	if ok {
		r.sorted[i].val = v
		return
	}
	r.sorted = append(r.sorted, sortedColumn{})
	copy(r.sorted[i+1:], r.sorted[i:])
	r.sorted[i] = sortedColumn{id: id, val: v}
}

// Delete removes the column.
func (r *Row) Delete(id types.ColumnID) {
	if r.rep == repDense {
		if id < denseColumns && r.presence&(1<<id) != 0 {
			r.dense[id] = ColumnValue{}
			r.presence &^= 1 << id
		}
		return
	}
	if i, ok := r.search(id); ok {
		r.sorted = append(r.sorted[:i], r.sorted[i+1:]...)
	}
}

// Range calls f for every column in ascending id order until f returns
// false.
func (r *Row) Range(f func(id types.ColumnID, v ColumnValue) bool) {
	if r.rep == repDense {
		for p := r.presence; p != 0; p &= p - 1 {
			id := types.ColumnID(bits.TrailingZeros32(p))
			if !f(id, r.dense[id]) {
				return
			}
		}
		return
	}
	for _, c := range r.sorted {
		if !f(c.id, c.val) {
			return
		}
	}
}

// CellCount returns the number of columns present.
func (r *Row) CellCount() int {
	if r.rep == repDense {
		return bits.OnesCount32(r.presence)
	}
	return len(r.sorted)
}

// Empty reports whether the row has no cells.
func (r *Row) Empty() bool { return r.CellCount() == 0 }

// Clone returns a deep copy.
func (r *Row) Clone() Row {
	var out Row
	r.Range(func(id types.ColumnID, v ColumnValue) bool {
		out.set(id, v.Clone())
		return true
	})
	return out
}

// Equal compares cell content; the in-memory representation is irrelevant.
func (r *Row) Equal(o *Row) bool {
	if r.CellCount() != o.CellCount() {
		return false
	}
	eq := true
	r.Range(func(id types.ColumnID, v ColumnValue) bool {
		ov, ok := o.Get(id)
		if !ok || !v.Equal(ov) {
			eq = false
		}
		return eq
	})
	return eq
}

// memSize is a rough accounting size in bytes.
func (r *Row) memSize() int64 {
	n := int64(32)
	r.Range(func(id types.ColumnID, v ColumnValue) bool {
		n += v.memSize()
		return true
	})
	return n
}
