// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package xset provides a generic comparable-element set, adapted from
// the teacher's utils/set package for the narrower needs of the
// consensus core (committee membership, parent-id sets, dedup tables).
package xset

import "golang.org/x/exp/maps"

const minSetSize = 8

// Set is a set of comparable elements backed by a map.
type Set[T comparable] map[T]struct{}

// Of returns a Set initialized with elts.
func Of[T comparable](elts ...T) Set[T] {
	s := New[T](len(elts))
	s.Add(elts...)
	return s
}

// New returns an empty set with initial capacity size.
func New[T comparable](size int) Set[T] {
	if size < 0 {
		size = 0
	}
	if size < minSetSize {
		size = minSetSize
	}
	return make(map[T]struct{}, size)
}

// Add inserts elts into the set.
func (s *Set[T]) Add(elts ...T) {
	if *s == nil {
		*s = New[T](2 * len(elts))
	}
	for _, e := range elts {
		(*s)[e] = struct{}{}
	}
}

// Contains reports whether elt is in the set.
func (s Set[T]) Contains(elt T) bool {
	_, ok := s[elt]
	return ok
}

// Remove deletes elts from the set.
func (s Set[T]) Remove(elts ...T) {
	for _, e := range elts {
		delete(s, e)
	}
}

// Len returns the number of elements.
func (s Set[T]) Len() int { return len(s) }

// List returns the elements in unspecified order.
func (s Set[T]) List() []T { return maps.Keys(s) }

// Equals reports whether s and other contain the same elements.
func (s Set[T]) Equals(other Set[T]) bool { return maps.Equal(s, other) }

// Overlaps reports whether the intersection of s and other is non-empty.
func (s Set[T]) Overlaps(other Set[T]) bool {
	small, big := s, other
	if len(small) > len(big) {
		small, big = big, small
	}
	for e := range small {
		if _, ok := big[e]; ok {
			return true
		}
	}
	return false
}
