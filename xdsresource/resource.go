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

// Package xdsresource defines the resolver's view of xDS resources: the
// listener and route configuration updates delivered by the xDS client,
// and the matchers used to select a virtual host and a route for an RPC.
// The types here are already validated; parsing and validating the Envoy
// protos is the xDS client's concern.
package xdsresource

import (
	"regexp"
	"time"

	"github.com/bufbuild/xdsresolver/httpfilter"
)

// ListenerUpdate contains the information from a listener resource that is
// of interest to the registered listener watcher.
type ListenerUpdate struct {
	// RouteConfigName names the route configuration resource carrying the
	// routing table. It is empty if and only if InlineRouteConfig is set.
	RouteConfigName string
	// InlineRouteConfig is the routing table supplied directly inside the
	// listener resource, if the management server inlined it.
	InlineRouteConfig *RouteConfigUpdate
	// MaxStreamDuration is the HTTP connection manager's limit on stream
	// duration, used as the fallback RPC timeout. Zero means no limit.
	MaxStreamDuration time.Duration
	// HTTPFilters is the filter chain of the HTTP connection manager. A nil
	// slice means filter support is disabled; an empty non-nil slice is an
	// empty chain.
	HTTPFilters []httpfilter.NamedFilterConfig
}

// RouteConfigUpdate contains the information from a route configuration
// resource that is of interest to the registered route config watcher.
type RouteConfigUpdate struct {
	VirtualHosts []VirtualHost
}

// VirtualHost is a routing table for one set of domains.
type VirtualHost struct {
	Name string
	// Domains are the authorities this virtual host serves. Entries may
	// contain a single wildcard as the leftmost or rightmost fragment.
	Domains []string
	// Routes are matched in order; the first match wins.
	Routes []Route
	// HTTPFilterConfigOverride holds per-filter config overrides keyed by
	// filter instance name.
	HTTPFilterConfigOverride map[string]httpfilter.FilterConfig
}

// Route pairs a match condition with the action to take for RPCs that
// satisfy it.
type Route struct {
	Match  RouteMatch
	Action RouteAction
	// HTTPFilterConfigOverride holds per-filter config overrides keyed by
	// filter instance name. Entries here take precedence over the virtual
	// host's overrides.
	HTTPFilterConfigOverride map[string]httpfilter.FilterConfig
}

// RouteAction describes where and how to send a matched RPC.
type RouteAction struct {
	// Cluster is the destination cluster. Empty if the route fans out over
	// WeightedClusters instead.
	Cluster string
	// WeightedClusters distributes RPCs over several clusters in proportion
	// to their weights. Empty if Cluster is set.
	WeightedClusters []ClusterWeight
	// Timeout overrides the fallback RPC timeout when non-nil. A pointer to
	// zero disables the timeout entirely.
	Timeout *time.Duration
	// HashPolicies generate the hash that ring-hash load balancing uses,
	// applied in order.
	HashPolicies []HashPolicy
}

// ClusterWeight is one destination of a weighted cluster action.
type ClusterWeight struct {
	Name   string
	Weight uint32
	// HTTPFilterConfigOverride holds per-filter config overrides keyed by
	// filter instance name. Entries here take precedence over both the
	// route's and the virtual host's overrides.
	HTTPFilterConfigOverride map[string]httpfilter.FilterConfig
}

// HashPolicyType distinguishes the supported hash policy kinds.
type HashPolicyType int

const (
	// HashPolicyTypeHeader hashes the value of a request header.
	HashPolicyTypeHeader HashPolicyType = iota
	// HashPolicyTypeChannelID hashes a 64-bit identifier unique to the
	// channel, so all RPCs on the channel hash alike.
	HashPolicyTypeChannelID
)

// HashPolicy describes one step of request hash generation for clusters
// that use a hashing load balancer.
type HashPolicy struct {
	Type HashPolicyType
	// Terminal stops evaluation of later policies if this one produced a
	// hash.
	Terminal bool

	// HeaderName, Regex, and RegexSubstitution configure policies of type
	// HashPolicyTypeHeader. When Regex is non-nil, every match of it in the
	// header value is rewritten to RegexSubstitution before hashing.
	HeaderName        string
	Regex             *regexp.Regexp
	RegexSubstitution string
}
