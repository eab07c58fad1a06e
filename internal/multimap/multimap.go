// Package multimap implements a bidirectional many-to-many index.
package multimap

import (
	"go.uber.org/zap"
)

// Map is a symmetric K<->V index: every association is visible from
// either side in O(1) plus the size of the matching bucket. Duplicate
// (k, v) pairs are permitted and accumulate independently — callers that
// need set semantics de-duplicate before calling Associate.
//
// Not safe for concurrent use; callers serialize access (the switchboard
// wraps every Map it owns in its own lock).
type Map[K comparable, V comparable] struct {
	forward map[K][]V
	inverse map[V][]K
	log     *zap.Logger
}

// New creates an empty bidirectional multimap. A nil logger is replaced
// with a no-op logger.
func New[K comparable, V comparable](log *zap.Logger) *Map[K, V] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Map[K, V]{
		forward: make(map[K][]V),
		inverse: make(map[V][]K),
		log:     log,
	}
}

// Associate records k<->v. Safe to call repeatedly with the same pair;
// each call adds another entry (see RemovePair for the matching undo).
func (m *Map[K, V]) Associate(k K, v V) {
	m.forward[k] = append(m.forward[k], v)
	m.inverse[v] = append(m.inverse[v], k)
}

// GetValues returns every v associated with k, in insertion order. The
// returned slice is a copy; mutating it does not affect the map.
func (m *Map[K, V]) GetValues(k K) []V {
	vs := m.forward[k]
	if len(vs) == 0 {
		return nil
	}
	out := make([]V, len(vs))
	copy(out, vs)
	return out
}

// GetKeys returns every k associated with v, in insertion order.
func (m *Map[K, V]) GetKeys(v V) []K {
	ks := m.inverse[v]
	if len(ks) == 0 {
		return nil
	}
	out := make([]K, len(ks))
	copy(out, ks)
	return out
}

// RemoveKey removes every association for k and returns the values it
// was associated with (nil if none). Each returned value also has k
// removed from its inverse bucket.
func (m *Map[K, V]) RemoveKey(k K) []V {
	vs, ok := m.forward[k]
	if !ok {
		return nil
	}
	delete(m.forward, k)
	for _, v := range vs {
		m.removeOneFromInverse(v, k)
	}
	out := make([]V, len(vs))
	copy(out, vs)
	return out
}

// RemoveValue removes every association for v and returns the keys it
// was associated with.
func (m *Map[K, V]) RemoveValue(v V) []K {
	ks, ok := m.inverse[v]
	if !ok {
		return nil
	}
	delete(m.inverse, v)
	for _, k := range ks {
		m.removeOneFromForward(k, v)
	}
	out := make([]K, len(ks))
	copy(out, ks)
	return out
}

// RemovePair removes a single (k, v) association. If the pair was
// inserted more than once (duplicate Associate calls), only one copy is
// removed. Returns whether a pair was found and removed.
func (m *Map[K, V]) RemovePair(k K, v V) bool {
	removedForward := m.removeOneFromForward(k, v)
	removedInverse := m.removeOneFromInverse(v, k)
	if removedForward != removedInverse {
		m.log.Error("multimap inconsistency detected",
			zap.Bool("removed_forward", removedForward),
			zap.Bool("removed_inverse", removedInverse),
		)
	}
	return removedForward || removedInverse
}

// Each calls fn once per (k, v) pair currently in the map, in an
// unspecified order. fn must not mutate the map.
func (m *Map[K, V]) Each(fn func(k K, v V)) {
	for k, vs := range m.forward {
		for _, v := range vs {
			fn(k, v)
		}
	}
}

// Len returns the number of distinct keys with at least one association.
func (m *Map[K, V]) Len() int { return len(m.forward) }

func (m *Map[K, V]) removeOneFromForward(k K, v V) bool {
	vs, ok := m.forward[k]
	if !ok {
		return false
	}
	for i, cand := range vs {
		if cand == v {
			vs = append(vs[:i], vs[i+1:]...)
			if len(vs) == 0 {
				delete(m.forward, k)
			} else {
				m.forward[k] = vs
			}
			return true
		}
	}
	return false
}

func (m *Map[K, V]) removeOneFromInverse(v V, k K) bool {
	ks, ok := m.inverse[v]
	if !ok {
		return false
	}
	for i, cand := range ks {
		if cand == k {
			ks = append(ks[:i], ks[i+1:]...)
			if len(ks) == 0 {
				delete(m.inverse, v)
			} else {
				m.inverse[v] = ks
			}
			return true
		}
	}
	return false
}
