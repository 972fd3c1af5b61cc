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

// Package httpfilter defines the extension point for HTTP filters applied on
// the client side of an xDS-configured channel. A [Filter] knows how to
// parse the Envoy protobuf configuration for its filter type; filters that
// act on RPCs additionally implement [ClientInterceptorBuilder] to produce a
// per-call interceptor from the parsed configuration. The fault injection
// and router filters in the subpackages are the built-in implementations.
package httpfilter

import (
	"time"

	"github.com/bufbuild/xdsresolver/call"
	"google.golang.org/protobuf/proto"
)

// FilterConfig is the parsed, validated configuration for one instance of
// an HTTP filter. Implementations are produced by [Filter.ParseFilterConfig]
// and consumed by the same filter's interceptor builder, so the concrete
// type is private to each filter; the type URL identifies which filter a
// config belongs to.
type FilterConfig interface {
	TypeURL() string
}

// NamedFilterConfig is a filter instance within a filter chain. The name is
// the instance name from the listener resource and is the key used to look
// up per-route and per-cluster overrides for this instance.
type NamedFilterConfig struct {
	Name   string
	Config FilterConfig
}

// Filter translates Envoy filter configuration protos into [FilterConfig]
// values. The xDS client invokes these while validating listener and route
// resources, so parse errors reject the resource rather than surfacing at
// RPC time.
type Filter interface {
	// TypeURLs returns the config message type URLs this filter handles.
	TypeURLs() []string
	// ParseFilterConfig parses the top-level configuration, typically from
	// the listener's filter chain.
	ParseFilterConfig(cfg proto.Message) (FilterConfig, error)
	// ParseFilterConfigOverride parses a per-route or per-cluster override
	// of the top-level configuration.
	ParseFilterConfigOverride(override proto.Message) (FilterConfig, error)
	// IsTerminal reports whether this filter must be the last one in a
	// filter chain, as the router filter is.
	IsTerminal() bool
}

// Scheduler runs a function after a delay, for filters that need timers.
// The returned stop function reports whether it prevented the scheduled
// function from running.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// ClientInterceptorBuilder is implemented by filters that intercept RPCs.
// It is invoked once per RPC by the config selector.
type ClientInterceptorBuilder interface {
	// BuildClientInterceptor returns the interceptor to apply to the RPC
	// described by info, or nil if this filter has nothing to do for it.
	// If override is non-nil it takes the place of config.
	BuildClientInterceptor(config, override FilterConfig, info call.RPCInfo, scheduler Scheduler) call.Interceptor
}
