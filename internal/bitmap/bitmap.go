// Package bitmap wraps github.com/RoaringBitmap/roaring so the rest of the
// scheduler never imports the roaring package directly. Every secondary
// index in internal/kvstore (status, kind, index-tasks) stores a Set as its
// value: compressed, sorted, O(1)-ish union/intersection/difference, so task
// filtering is always set algebra instead of a table scan.
package bitmap

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// Set is a compressed sorted set of task/document ids.
type Set struct {
	rb *roaring.Bitmap
}

// New returns an empty Set.
func New() *Set {
	return &Set{rb: roaring.New()}
}

// Of builds a Set containing exactly the given ids.
func Of(ids ...uint32) *Set {
	s := New()
	for _, id := range ids {
		s.rb.Add(id)
	}
	return s
}

// Range builds a Set containing every id in [lo, hi).
func Range(lo, hi uint32) *Set {
	s := New()
	if hi <= lo {
		return s
	}
	s.rb.AddRange(uint64(lo), uint64(hi))
	return s
}

// Add inserts id into the set.
func (s *Set) Add(id uint32) { s.rb.Add(id) }

// Remove deletes id from the set, if present.
func (s *Set) Remove(id uint32) { s.rb.Remove(id) }

// Contains reports whether id is a member of the set.
func (s *Set) Contains(id uint32) bool { return s.rb.Contains(id) }

// Len returns the cardinality of the set.
func (s *Set) Len() int { return int(s.rb.GetCardinality()) }

// IsEmpty reports whether the set has no members.
func (s *Set) IsEmpty() bool { return s.rb.IsEmpty() }

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set { return &Set{rb: s.rb.Clone()} }

// Union returns a new Set containing every id in s or other.
func (s *Set) Union(other *Set) *Set {
	return &Set{rb: roaring.Or(s.rb, other.rb)}
}

// UnionInPlace mutates s to also contain every id in other.
func (s *Set) UnionInPlace(other *Set) { s.rb.Or(other.rb) }

// Intersect returns a new Set containing only ids present in both s and other.
func (s *Set) Intersect(other *Set) *Set {
	return &Set{rb: roaring.And(s.rb, other.rb)}
}

// IntersectInPlace mutates s to remove any id not present in other.
func (s *Set) IntersectInPlace(other *Set) { s.rb.And(other.rb) }

// Difference returns a new Set containing ids in s that are not in other.
func (s *Set) Difference(other *Set) *Set {
	return &Set{rb: roaring.AndNot(s.rb, other.rb)}
}

// ToSlice returns the set's members in ascending order.
func (s *Set) ToSlice() []uint32 { return s.rb.ToArray() }

// ReverseIterate calls fn for every member in descending order, stopping
// early if fn returns false. Used by the query engine to walk task ids
// highest-first without materializing the whole set.
func (s *Set) ReverseIterate(fn func(id uint32) bool) {
	it := s.rb.ReverseIterator()
	for it.HasNext() {
		if !fn(it.Next()) {
			return
		}
	}
}

// Encode serializes the set for storage as a kvstore value.
func (s *Set) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.rb.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encoding bitmap: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses bytes previously produced by Encode. An empty or nil input
// decodes to an empty set, since an absent kvstore key means "no members".
func Decode(data []byte) (*Set, error) {
	s := New()
	if len(data) == 0 {
		return s, nil
	}
	if _, err := s.rb.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decoding bitmap: %w", err)
	}
	return s, nil
}
