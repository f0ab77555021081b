// Package schema carries the table metadata the in-memory data path needs:
// column definitions, the partition-key decoration and the clustering-key
// comparators, including the strict-prefix bounds used by range tombstones.
package schema

import (
	"bytes"
	"hash/fnv"

	"github.com/zmyer/scylla-sub000/pkg/types"
)

// ColumnKind distinguishes static columns (one value per partition) from
// regular columns (one value per clustering row).
type ColumnKind uint8

const (
	Static ColumnKind = iota
	Regular
)

// ColumnDef describes a single column.
type ColumnDef struct {
	ID         types.ColumnID
	Name       string
	Kind       ColumnKind
	Collection bool
}

// Schema is one immutable revision of a table's metadata. Lookups by column
// ID are hot on the merge path, so defs are indexed both ways.
type Schema struct {
	Version types.SchemaVersion
	defs    []ColumnDef
	byID    map[types.ColumnID]int
}

// New builds a Schema from its column definitions.
func New(version types.SchemaVersion, defs []ColumnDef) *Schema {
	s := &Schema{
		Version: version,
		defs:    append([]ColumnDef(nil), defs...),
		byID:    make(map[types.ColumnID]int, len(defs)),
	}
	for i, d := range s.defs {
		s.byID[d.ID] = i
	}
	return s
}

// Column returns the definition for id.
func (s *Schema) Column(id types.ColumnID) (ColumnDef, bool) {
	i, ok := s.byID[id]
	if !ok {
		return ColumnDef{}, false
	}
	return s.defs[i], true
}

// HasColumn reports whether id exists with the given kind. Used when
// projecting a partition written under another schema revision: columns the
// target schema does not know are dropped.
func (s *Schema) HasColumn(id types.ColumnID, kind ColumnKind) bool {
	d, ok := s.Column(id)
	return ok && d.Kind == kind
}

// Columns returns all definitions in declaration order.
func (s *Schema) Columns() []ColumnDef { return s.defs }

// DecoratedKey is a partition key decorated with its token. Keys order by
// token first, then by raw key bytes.
type DecoratedKey struct {
	Token uint64
	Key   []byte
}

// DecorateKey computes the token for raw key bytes. The token function is
// fixed for the whole cluster; a 64-bit FNV keeps it dependency-free and
// stable across runs.
func DecorateKey(key []byte) DecoratedKey {
	h := fnv.New64a()
	h.Write(key)
	return DecoratedKey{Token: h.Sum64(), Key: append([]byte(nil), key...)}
}

// CompareKeys orders two decorated keys.
func CompareKeys(a, b DecoratedKey) int {
	if a.Token != b.Token {
		if a.Token < b.Token {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Key, b.Key)
}

// EncodeKey renders a decorated key into bytes that sort with bytes.Compare
// in decorated-key order, for containers keyed by raw bytes.
func EncodeKey(k DecoratedKey) []byte {
	out := make([]byte, 8+len(k.Key))
	for i := 0; i < 8; i++ {
		out[i] = byte(k.Token >> (56 - 8*i))
	}
	copy(out[8:], k.Key)
	return out
}

// ClusteringKey is an encoded clustering prefix: one byte slice per
// clustering component. A full key has all components; a strict prefix has
// fewer and only appears inside range-tombstone bounds.
type ClusteringKey struct {
	Components [][]byte
}

// MakeClusteringKey is a convenience constructor copying its components.
func MakeClusteringKey(components ...[]byte) ClusteringKey {
	out := make([][]byte, len(components))
	for i, c := range components {
		out[i] = append([]byte(nil), c...)
	}
	return ClusteringKey{Components: out}
}

// Equal reports component-wise equality.
func (k ClusteringKey) Equal(o ClusteringKey) bool {
	if len(k.Components) != len(o.Components) {
		return false
	}
	for i := range k.Components {
		if !bytes.Equal(k.Components[i], o.Components[i]) {
			return false
		}
	}
	return true
}

// CompareClustering orders two full clustering keys component-wise.
func (s *Schema) CompareClustering(a, b ClusteringKey) int {
	n := len(a.Components)
	if len(b.Components) < n {
		n = len(b.Components)
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare(a.Components[i], b.Components[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a.Components) < len(b.Components):
		return -1
	case len(a.Components) > len(b.Components):
		return 1
	}
	return 0
}

// BoundKind positions a range-tombstone boundary relative to the rows that
// share its prefix.
type BoundKind uint8

const (
	// InclStart sorts before every row matching the prefix.
	InclStart BoundKind = iota
	// ExclStart sorts after every row matching the prefix.
	ExclStart
	// InclEnd sorts after every row matching the prefix.
	InclEnd
	// ExclEnd sorts before every row matching the prefix.
	ExclEnd
)

// Bound is a (possibly strict-prefix) boundary of a clustering range.
type Bound struct {
	Prefix ClusteringKey
	Kind   BoundKind
}

// weight places a bound on the clustering line relative to the rows sharing
// its prefix: -1 before them, +1 after them. A row itself has weight 0.
func (k BoundKind) weight() int {
	switch k {
	case InclStart, ExclEnd:
		return -1
	default:
		return 1
	}
}

// CompareBoundToKey orders a bound against a full clustering key.
func (s *Schema) CompareBoundToKey(b Bound, key ClusteringKey) int {
	n := len(b.Prefix.Components)
	if len(key.Components) < n {
		n = len(key.Components)
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare(b.Prefix.Components[i], key.Components[i]); c != 0 {
			return c
		}
	}
	if len(b.Prefix.Components) > len(key.Components) {
		// bound is more specific than the key; longer prefix sorts after
		return 1
	}
	// bound prefix is a (possibly strict) prefix of the key
	return b.Kind.weight()
}

// CompareBounds orders two bounds on the clustering line.
func (s *Schema) CompareBounds(a, b Bound) int {
	n := len(a.Prefix.Components)
	if len(b.Prefix.Components) < n {
		n = len(b.Prefix.Components)
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare(a.Prefix.Components[i], b.Prefix.Components[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a.Prefix.Components) < len(b.Prefix.Components):
		// a covers a wider slice; its weight against b's deeper prefix decides
		return a.Kind.weight()
	case len(a.Prefix.Components) > len(b.Prefix.Components):
		return -b.Kind.weight()
	}
	return a.Kind.weight() - b.Kind.weight()
}

// AsEnd converts a start bound into the end bound occupying the same
// position on the clustering line, used when an interval is split around an
// overlapping one.
func (b Bound) AsEnd() Bound {
	switch b.Kind {
	case InclStart:
		return Bound{Prefix: b.Prefix, Kind: ExclEnd}
	case ExclStart:
		return Bound{Prefix: b.Prefix, Kind: InclEnd}
	}
	return b
}

// AsStart converts an end bound into the start bound occupying the same
// position on the clustering line.
func (b Bound) AsStart() Bound {
	switch b.Kind {
	case InclEnd:
		return Bound{Prefix: b.Prefix, Kind: ExclStart}
	case ExclEnd:
		return Bound{Prefix: b.Prefix, Kind: InclStart}
	}
	return b
}

// RowRange is a clustering range between two bounds.
type RowRange struct {
	Start Bound
	End   Bound
}

// FullRowRange spans every clustering key.
func FullRowRange() RowRange {
	return RowRange{
		Start: Bound{Kind: InclStart},
		End:   Bound{Kind: InclEnd},
	}
}

// RangeContainsKey reports whether a full clustering key falls inside r.
func (s *Schema) RangeContainsKey(r RowRange, key ClusteringKey) bool {
	return s.CompareBoundToKey(r.Start, key) < 0 && s.CompareBoundToKey(r.End, key) > 0
}

// StartBound and EndBound build inclusive bounds around a prefix.
func StartBound(prefix ClusteringKey, inclusive bool) Bound {
	k := InclStart
	if !inclusive {
		k = ExclStart
	}
	return Bound{Prefix: prefix, Kind: k}
}

func EndBound(prefix ClusteringKey, inclusive bool) Bound {
	k := InclEnd
	if !inclusive {
		k = ExclEnd
	}
	return Bound{Prefix: prefix, Kind: k}
}
