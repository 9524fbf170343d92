// Copyright 2024 The kubegems.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package set

import "sync"

// SyncSet is a set safe for concurrent use. Remove reports whether the element
// was present, so callers can use it as an atomic claim.
type SyncSet[T comparable] struct {
	mu    sync.Mutex
	elems map[T]struct{}
}

func NewSyncSet[T comparable](vals ...T) *SyncSet[T] {
	s := &SyncSet[T]{elems: make(map[T]struct{}, len(vals))}
	for _, val := range vals {
		s.elems[val] = struct{}{}
	}
	return s
}

// Add inserts val and reports whether it was not already present.
func (s *SyncSet[T]) Add(val T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elems[val]; ok {
		return false
	}
	s.elems[val] = struct{}{}
	return true
}

// Remove deletes val and reports whether this call removed it.
func (s *SyncSet[T]) Remove(val T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elems[val]; !ok {
		return false
	}
	delete(s.elems, val)
	return true
}

func (s *SyncSet[T]) Has(val T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.elems[val]
	return ok
}

func (s *SyncSet[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.elems)
}

// Slice returns a snapshot in no particular order.
func (s *SyncSet[T]) Slice() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]T, 0, len(s.elems))
	for val := range s.elems {
		ret = append(ret, val)
	}
	return ret
}
