// Package skiplist implements an ordered map with an externally supplied
// comparator and positional access: seek to the first entry at or after a
// key, walk forward or backward, and ask for an entry's predecessor. The
// comparator is stored once per list, never per node, so schema-aware
// comparators stay cheap even for large containers.
package skiplist

import "github.com/zhangyunhao116/fastrand"

const maxLevel = 16

type node[K, V any] struct {
	key   K
	value V
	next  []*node[K, V]
	prev  *node[K, V] // level-0 back link
}

// List is an ordered map from K to V. It is not safe for concurrent use;
// owners guard it with their own synchronization.
type List[K, V any] struct {
	cmp    func(a, b K) int
	head   *node[K, V]
	tail   *node[K, V]
	level  int
	length int
}

// New returns an empty list ordered by cmp.
func New[K, V any](cmp func(a, b K) int) *List[K, V] {
	return &List[K, V]{
		cmp:   cmp,
		head:  &node[K, V]{next: make([]*node[K, V], maxLevel)},
		level: 1,
	}
}

// Len returns the number of entries.
func (l *List[K, V]) Len() int { return l.length }

func randomLevel() int {
	lvl := 1
	for lvl < maxLevel && fastrand.Uint32n(4) == 0 {
		lvl++
	}
	return lvl
}

// findGE fills update with the rightmost node before key on every level and
// returns the first node at or after key.
func (l *List[K, V]) findGE(key K, update *[maxLevel]*node[K, V]) *node[K, V] {
	x := l.head
	for i := l.level - 1; i >= 0; i-- {
		for x.next[i] != nil && l.cmp(x.next[i].key, key) < 0 {
			x = x.next[i]
		}
		if update != nil {
			update[i] = x
		}
	}
	return x.next[0]
}

// Load returns the value stored under key.
func (l *List[K, V]) Load(key K) (V, bool) {
	n := l.findGE(key, nil)
	if n != nil && l.cmp(n.key, key) == 0 {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Store inserts or replaces the value under key.
func (l *List[K, V]) Store(key K, value V) {
	var update [maxLevel]*node[K, V]
	n := l.findGE(key, &update)
	if n != nil && l.cmp(n.key, key) == 0 {
		n.value = value
		return
	}

	lvl := randomLevel()
	if lvl > l.level {
		for i := l.level; i < lvl; i++ {
			update[i] = l.head
		}
		l.level = lvl
	}

	nn := &node[K, V]{key: key, value: value, next: make([]*node[K, V], lvl)}
	for i := 0; i < lvl; i++ {
		nn.next[i] = update[i].next[i]
		update[i].next[i] = nn
	}
	if prev := update[0]; prev != l.head {
		nn.prev = prev
	}
	if nn.next[0] != nil {
		nn.next[0].prev = nn
	} else {
		l.tail = nn
	}
	l.length++
}

// Delete removes key and reports whether it was present.
func (l *List[K, V]) Delete(key K) bool {
	var update [maxLevel]*node[K, V]
	n := l.findGE(key, &update)
	if n == nil || l.cmp(n.key, key) != 0 {
		return false
	}
	for i := 0; i < l.level; i++ {
		if update[i].next[i] == n {
			update[i].next[i] = n.next[i]
		}
	}
	if n.next[0] != nil {
		n.next[0].prev = n.prev
	} else {
		l.tail = n.prev
	}
	for l.level > 1 && l.head.next[l.level-1] == nil {
		l.level--
	}
	l.length--
	return true
}

// Iterator points at one entry of the list, or past the end. Mutating the
// list invalidates open iterators; callers re-seek after mutation.
type Iterator[K, V any] struct {
	list *List[K, V]
	n    *node[K, V]
}

// First positions the iterator at the smallest entry.
func (l *List[K, V]) First() Iterator[K, V] {
	return Iterator[K, V]{list: l, n: l.head.next[0]}
}

// Last positions the iterator at the largest entry.
func (l *List[K, V]) Last() Iterator[K, V] {
	return Iterator[K, V]{list: l, n: l.tail}
}

// SeekGE positions the iterator at the first entry whose key is >= key.
func (l *List[K, V]) SeekGE(key K) Iterator[K, V] {
	return Iterator[K, V]{list: l, n: l.findGE(key, nil)}
}

// Valid reports whether the iterator points at an entry.
func (it Iterator[K, V]) Valid() bool { return it.n != nil }

// Key returns the current key. Panics when invalid.
func (it Iterator[K, V]) Key() K { return it.n.key }

// Value returns the current value. Panics when invalid.
func (it Iterator[K, V]) Value() V { return it.n.value }

// Next advances past the current entry.
func (it Iterator[K, V]) Next() Iterator[K, V] {
	return Iterator[K, V]{list: it.list, n: it.n.next[0]}
}

// Prev steps back to the previous entry; stepping back from the first entry
// yields an invalid iterator.
func (it Iterator[K, V]) Prev() Iterator[K, V] {
	return Iterator[K, V]{list: it.list, n: it.n.prev}
}

// Range calls f for every entry in ascending order until f returns false.
func (l *List[K, V]) Range(f func(key K, value V) bool) {
	for n := l.head.next[0]; n != nil; n = n.next[0] {
		if !f(n.key, n.value) {
			return
		}
	}
}
