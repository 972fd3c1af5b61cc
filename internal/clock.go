// Copyright 2023 Buf Technologies, Inc.
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

import "time"

// Clock is an interface that is compatible with the jonboulle/clockwork
// package, trimmed to the scheduling surface the resolver needs. The intent
// is that the clockwork package only be a dependency for tests, not for
// non-test code.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is an interface covering the behavior of a [time.Timer] created
// with a function callback.
type Timer interface {
	Stop() bool
}

// NewRealClock returns a Clock implementation where all methods
// delegate to the corresponding function in the [time] package.
func NewRealClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ClockScheduler adapts a Clock to the bare stop-function scheduling shape
// consumed by per-call filter interceptor builders. The adaptation exists
// because interface methods returning other interfaces are compared by
// nominal type, so a Clock cannot satisfy the schedulers declared in other
// packages directly.
type ClockScheduler struct {
	Clock Clock
}

func (s ClockScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return s.Clock.AfterFunc(d, f).Stop
}
