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

package httpfilter

// Registry maps filter config type URLs to the filters that handle them.
// Register all filters before sharing a registry; lookups are not
// synchronized with registration.
type Registry struct {
	filters map[string]Filter
}

// NewRegistry creates a registry containing the given filters.
func NewRegistry(filters ...Filter) *Registry {
	registry := &Registry{filters: make(map[string]Filter)}
	registry.Register(filters...)
	return registry
}

// Register adds filters to the registry. A filter registered later for the
// same type URL replaces the earlier one.
func (r *Registry) Register(filters ...Filter) {
	for _, filter := range filters {
		for _, typeURL := range filter.TypeURLs() {
			r.filters[typeURL] = filter
		}
	}
}

// Get returns the filter handling the given config type URL, or nil if none
// is registered.
func (r *Registry) Get(typeURL string) Filter {
	return r.filters[typeURL]
}
