// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package xdsresolver

import (
	"sync"
	"sync/atomic"
)

// clusterRefs tracks the clusters to which new or in-flight calls can be
// routed. Presence in the most recently published routing snapshot counts as
// one reference and every in-flight call that selected the cluster counts as
// another, so a cluster stays selectable for calls that picked it even after
// a config update stops naming it.
//
// retain and release are safe from any goroutine. add, drop, and
// removeIfUnreferenced change membership and must run on the resolver's
// serializer.
type clusterRefs struct {
	mu     sync.RWMutex
	counts map[string]*atomic.Int32
}

func newClusterRefs() *clusterRefs {
	return &clusterRefs{counts: make(map[string]*atomic.Int32)}
}

// retain adds a reference to the named cluster and reports whether it
// succeeded. It fails when the cluster is absent or a concurrent release
// already drove its count to zero; the caller then re-reads the routing
// snapshot and tries again.
func (r *clusterRefs) retain(name string) bool {
	r.mu.RLock()
	count := r.counts[name]
	r.mu.RUnlock()
	if count == nil {
		return false
	}
	for {
		current := count.Load()
		if current == 0 {
			return false
		}
		if count.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// release removes a reference and reports whether the count reached zero.
// The caller must then schedule removeIfUnreferenced on the serializer; the
// entry is not removed here because a concurrent retain may resurrect it.
func (r *clusterRefs) release(name string) bool {
	r.mu.RLock()
	count := r.counts[name]
	r.mu.RUnlock()
	if count == nil {
		return false
	}
	return count.Add(-1) == 0
}

// removeIfUnreferenced deletes the entry if its count is still zero and
// reports whether it did.
func (r *clusterRefs) removeIfUnreferenced(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.counts[name]
	if count == nil || count.Load() != 0 {
		return false
	}
	delete(r.counts, name)
	return true
}

// add grants the named cluster a membership reference, creating the entry if
// needed. It reports whether a new entry was created.
func (r *clusterRefs) add(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if count := r.counts[name]; count != nil {
		count.Add(1)
		return false
	}
	count := new(atomic.Int32)
	count.Store(1)
	r.counts[name] = count
	return true
}

// drop takes the membership reference back and reports whether the entry
// reached zero and was removed.
func (r *clusterRefs) drop(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.counts[name]
	if count == nil {
		return false
	}
	if count.Add(-1) == 0 {
		delete(r.counts, name)
		return true
	}
	return false
}

// names returns the names of all currently present clusters.
func (r *clusterRefs) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.counts))
	for name := range r.counts {
		names = append(names, name)
	}
	return names
}
