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
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/bufbuild/xdsresolver/attribute"
	"github.com/bufbuild/xdsresolver/call"
	"github.com/bufbuild/xdsresolver/httpfilter"
	"github.com/bufbuild/xdsresolver/internal"
	"github.com/bufbuild/xdsresolver/xdsresource"
)

// RPCConfig is the routing decision for a single outgoing call.
type RPCConfig struct {
	// ServiceConfig is the parsed per-method config, carrying the call's
	// timeout when one applies.
	ServiceConfig any
	// Interceptor applies HTTP filters and tags the call with the selected
	// cluster and hash. The caller must run every call through it; skipping
	// it leaks the cluster reference this config holds.
	Interceptor call.Interceptor
}

// ConfigSelector picks the configuration for each outgoing call against the
// resolver's current routing snapshot: the route, the cluster (retained for
// the duration of the call), the per-method service config, and the
// interceptor chain.
type ConfigSelector struct {
	resolver *Resolver
}

// SelectConfig routes one call. It returns an UNAVAILABLE error when no
// route matches the call or, if the current configuration has no router
// filter, a config whose interceptor fails every call.
func (s *ConfigSelector) SelectConfig(info call.RPCInfo) (*RPCConfig, error) {
	resolver := s.resolver
	var snapshot *routingConfig
	var selectedRoute *xdsresource.Route
	var selectedOverrides map[string]httpfilter.FilterConfig
	var cluster string
	var lame bool
	for {
		snapshot = resolver.routingConfig.Load()
		selectedRoute = nil
		cluster = ""
		selectedOverrides = make(map[string]httpfilter.FilterConfig, len(snapshot.virtualHostOverrides))
		for name, config := range snapshot.virtualHostOverrides {
			selectedOverrides[name] = config
		}
		if len(snapshot.filterChain) > 0 && snapshot.filterChain[len(snapshot.filterChain)-1] == lameFilterEntry {
			lame = true
			break
		}
		for i := range snapshot.routes {
			route := &snapshot.routes[i]
			if route.Match.Match(info.Method, info.Headers, resolver.random) {
				selectedRoute = route
				for name, config := range route.HTTPFilterConfigOverride {
					selectedOverrides[name] = config
				}
				break
			}
		}
		if selectedRoute == nil {
			return nil, status.Error(codes.Unavailable, "Could not find xDS route matching RPC")
		}
		action := &selectedRoute.Action
		if action.Cluster != "" {
			cluster = action.Cluster
		} else {
			totalWeight := 0
			for _, weighted := range action.WeightedClusters {
				totalWeight += int(weighted.Weight)
			}
			pick := resolver.random.Intn(totalWeight)
			accumulator := 0
			for i := range action.WeightedClusters {
				weighted := &action.WeightedClusters[i]
				accumulator += int(weighted.Weight)
				if pick < accumulator {
					cluster = weighted.Name
					for name, config := range weighted.HTTPFilterConfigOverride {
						selectedOverrides[name] = config
					}
					break
				}
			}
		}
		// The cluster may have been evicted between loading the snapshot and
		// here; if so, route again against the fresh snapshot.
		if resolver.clusterRefs.retain(cluster) {
			break
		}
	}

	serviceConfigJSON := emptyServiceConfigJSON
	var err error
	if enableTimeout {
		var timeout time.Duration
		if selectedRoute != nil && selectedRoute.Action.Timeout != nil {
			timeout = *selectedRoute.Action.Timeout
		} else {
			timeout = snapshot.fallbackTimeout
		}
		if timeout > 0 {
			serviceConfigJSON, err = generateMethodTimeoutConfig(timeout)
		}
	}
	var serviceConfig any
	if err == nil {
		serviceConfig, err = resolver.parser.ParseServiceConfig(serviceConfigJSON)
	}
	if err != nil {
		if cluster != "" {
			resolver.releaseCluster(cluster)
		}
		parseStatus := status.Convert(err)
		return nil, status.Error(
			parseStatus.Code(),
			parseStatus.Message()+"\nFailed to parse service config (method config)",
		)
	}

	var interceptors []call.Interceptor
	if snapshot.filterChain != nil {
		scheduler := internal.ClockScheduler{Clock: resolver.clock}
		for _, namedFilter := range snapshot.filterChain {
			var filter httpfilter.Filter
			if namedFilter == lameFilterEntry {
				filter = lameFilter{}
			} else {
				filter = resolver.registry.Get(namedFilter.Config.TypeURL())
			}
			builder, ok := filter.(httpfilter.ClientInterceptorBuilder)
			if !ok {
				continue
			}
			interceptor := builder.BuildClientInterceptor(
				namedFilter.Config, selectedOverrides[namedFilter.Name], info, scheduler)
			if interceptor != nil {
				interceptors = append(interceptors, interceptor)
			}
		}
		if lame {
			return &RPCConfig{
				ServiceConfig: serviceConfig,
				Interceptor:   call.Chain(interceptors...),
			}, nil
		}
	}

	hash := s.generateHash(selectedRoute.Action.HashPolicies, info.Headers)
	// The selection interceptor goes first (outermost) so its listener sees
	// the close even when an inner filter fails the call, keeping the
	// release exactly-once.
	selection := &clusterSelectionInterceptor{resolver: resolver, cluster: cluster, hash: hash}
	interceptors = append([]call.Interceptor{selection}, interceptors...)
	return &RPCConfig{
		ServiceConfig: serviceConfig,
		Interceptor:   call.Chain(interceptors...),
	}, nil
}

// generateHash derives the call's 64-bit hash from the route's hash
// policies. Repeated policy outputs are folded in with a one-bit left
// rotation so that identical values do not cancel out.
func (s *ConfigSelector) generateHash(policies []xdsresource.HashPolicy, headers metadata.MD) uint64 {
	var hash uint64
	var generated bool
	for i := range policies {
		policy := &policies[i]
		var newHash uint64
		var hashed bool
		switch policy.Type {
		case xdsresource.HashPolicyTypeHeader:
			if value, ok := xdsresource.HeaderValue(headers, policy.HeaderName); ok {
				if policy.Regex != nil {
					value = policy.Regex.ReplaceAllString(value, policy.RegexSubstitution)
				}
				newHash = xxhash.Sum64String(value)
				hashed = true
			}
		case xdsresource.HashPolicyTypeChannelID:
			newHash = hashChannelID(s.resolver.channelID)
			hashed = true
		}
		if hashed {
			hash = bits.RotateLeft64(hash, 1) ^ newHash
			generated = true
		}
		if policy.Terminal && generated {
			break
		}
	}
	if !generated {
		// No policy applied; spread the call across backends at random.
		return s.resolver.random.Uint64()
	}
	return hash
}

func hashChannelID(channelID uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], channelID)
	return xxhash.Sum64(buf[:])
}

type clusterSelectionInterceptor struct {
	resolver *Resolver
	cluster  string
	hash     uint64
}

func (i *clusterSelectionInterceptor) InterceptCall(
	method string,
	callOptions attribute.Values,
	next call.Channel,
) call.Call {
	callOptions = callOptions.With(
		ClusterSelectionKey.Value(i.cluster),
		RPCHashKey.Value(i.hash),
	)
	return &clusterSelectionCall{
		Call:        next.NewCall(method, callOptions),
		interceptor: i,
	}
}

type clusterSelectionCall struct {
	call.Call
	interceptor *clusterSelectionInterceptor
}

func (c *clusterSelectionCall) Start(listener call.Listener, headers metadata.MD) {
	c.Call.Start(&releasingListener{Listener: listener, interceptor: c.interceptor}, headers)
}

// releasingListener releases the call's cluster reference exactly once: on
// the first response headers, or on close if headers never arrived.
type releasingListener struct {
	call.Listener
	interceptor *clusterSelectionInterceptor
	committed   bool
}

func (l *releasingListener) OnHeaders(headers metadata.MD) {
	l.committed = true
	l.interceptor.resolver.releaseCluster(l.interceptor.cluster)
	l.Listener.OnHeaders(headers)
}

func (l *releasingListener) OnClose(closeStatus *status.Status, trailers metadata.MD) {
	if !l.committed {
		l.interceptor.resolver.releaseCluster(l.interceptor.cluster)
	}
	l.Listener.OnClose(closeStatus, trailers)
}
