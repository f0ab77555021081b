package reader

import (
	"fmt"

	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/schema"
)

// Empty returns a reader that is already exhausted.
func Empty() PartitionReader { return emptyReader{} }

type emptyReader struct{}

func (emptyReader) Next() (*partition.Mutation, error) { return nil, nil }
func (emptyReader) FastForwardTo(KeyRange) error       { return nil }
func (emptyReader) Close() error                       { return nil }

// FromMutations returns a reader over an in-memory list of mutations, which
// must already be sorted by decorated key.
func FromMutations(ms []*partition.Mutation) PartitionReader {
	return &sliceReader{ms: ms}
}

type sliceReader struct {
	ms []*partition.Mutation
	i  int
	r  KeyRange
	// limited reports whether a FastForwardTo installed a range
	limited bool
}

func (s *sliceReader) Next() (*partition.Mutation, error) {
	for ; s.i < len(s.ms); s.i++ {
		m := s.ms[s.i]
		if s.limited && !s.r.Contains(m.Key) {
			if s.r.End != nil && schema.CompareKeys(m.Key, *s.r.End) > 0 {
				return nil, nil
			}
			continue
		}
		s.i++
		return m, nil
	}
	return nil, nil
}

func (s *sliceReader) FastForwardTo(r KeyRange) error {
	s.r = r
	s.limited = true
	return nil
}

func (s *sliceReader) Close() error { return nil }

// Combine overlays several readers into one stream: partitions with the same
// decorated key merge into a single mutation. All inputs must produce keys in
// ascending order; later readers win nothing special, merge order does not
// matter.
func Combine(s *schema.Schema, readers ...PartitionReader) PartitionReader {
	switch len(readers) {
	case 0:
		return Empty()
	case 1:
		return readers[0]
	}
	return &combinedReader{s: s, inputs: readers, heads: make([]*partition.Mutation, len(readers))}
}

type combinedReader struct {
	s      *schema.Schema
	inputs []PartitionReader
	heads  []*partition.Mutation
	done   []bool
}

func (c *combinedReader) fill() error {
	if c.done == nil {
		c.done = make([]bool, len(c.inputs))
	}
	for i, in := range c.inputs {
		if c.heads[i] != nil || c.done[i] {
			continue
		}
		m, err := in.Next()
		if err != nil {
			return fmt.Errorf("combined read: %w", err)
		}
		if m == nil {
			c.done[i] = true
			continue
		}
		c.heads[i] = m
	}
	return nil
}

func (c *combinedReader) Next() (*partition.Mutation, error) {
	if err := c.fill(); err != nil {
		return nil, err
	}
	min := -1
	for i, m := range c.heads {
		if m == nil {
			continue
		}
		if min < 0 || schema.CompareKeys(m.Key, c.heads[min].Key) < 0 {
			min = i
		}
	}
	if min < 0 {
		return nil, nil
	}

	out := c.heads[min]
	c.heads[min] = nil
	for i, m := range c.heads {
		if m == nil || schema.CompareKeys(m.Key, out.Key) != 0 {
			continue
		}
		if err := out.Partition.Apply(c.s, m.Partition, m.Schema, nil); err != nil {
			return nil, fmt.Errorf("combined merge: %w", err)
		}
		c.heads[i] = nil
	}
	return out, nil
}

func (c *combinedReader) FastForwardTo(r KeyRange) error {
	for i, in := range c.inputs {
		if err := in.FastForwardTo(r); err != nil {
			return err
		}
		c.heads[i] = nil
		if c.done != nil {
			c.done[i] = false
		}
	}
	return nil
}

func (c *combinedReader) Close() error {
	var first error
	for _, in := range c.inputs {
		if err := in.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
