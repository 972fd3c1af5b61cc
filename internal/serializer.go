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

package internal

import "sync"

// Serializer runs scheduled functions one at a time, in the order they
// were scheduled. Unlike a channel-fed goroutine, it has no background
// resources: the goroutine that schedules work while the serializer is
// idle drains the queue itself, so effects are observed synchronously by
// single-threaded callers. Functions scheduled while another function is
// running (including by that function itself) are queued and run before
// the draining goroutine returns.
type Serializer struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// Schedule enqueues fn. If no other goroutine is currently draining the
// queue, the calling goroutine drains it, running fn (and anything fn
// schedules) before returning.
func (s *Serializer) Schedule(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}
