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
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/status"

	"github.com/bufbuild/xdsresolver/attribute"
	"github.com/bufbuild/xdsresolver/httpfilter"
	"github.com/bufbuild/xdsresolver/httpfilter/fault"
	"github.com/bufbuild/xdsresolver/httpfilter/router"
	"github.com/bufbuild/xdsresolver/internal"
	"github.com/bufbuild/xdsresolver/xdsclient"
	"github.com/bufbuild/xdsresolver/xdsresource"
)

var logger = grpclog.Component("xds")

// Attribute and call-option keys published by the resolver.
var (
	// ConfigSelectorKey carries the resolver's [ConfigSelector] in the
	// attributes of every non-empty resolution result. The host channel
	// must consult it for each outgoing call.
	ConfigSelectorKey = attribute.NewKey[*ConfigSelector]()
	// XdsClientKey carries the xDS client, shared with downstream balancers
	// that resolve the selected clusters.
	XdsClientKey = attribute.NewKey[xdsclient.Client]()
	// ClusterSelectionKey names the cluster selected for a call. The
	// cluster selection interceptor sets it on the call options it passes
	// downstream.
	ClusterSelectionKey = attribute.NewKey[string]()
	// RPCHashKey carries the call's 64-bit hash, consumed by consistent-hash
	// load balancing policies.
	RPCHashKey = attribute.NewKey[uint64]()
)

// Receiver consumes what a [Resolver] produces: a rolling sequence of
// resolution results and errors from the control plane. Callbacks are
// serialized; a callback may run on the goroutine that delivered the
// triggering xDS update or completed the triggering call.
type Receiver interface {
	OnResult(result ResolutionResult)
	OnError(err error)
}

// ResolutionResult is one resolver output: a service config naming the
// currently selectable clusters, plus attributes. Results that follow a
// usable routing configuration carry [ConfigSelectorKey] and [XdsClientKey];
// the empty result emitted when configuration is revoked carries neither.
type ResolutionResult struct {
	// ServiceConfig is the output of the [ServiceConfigParser] for the
	// generated load-balancing config.
	ServiceConfig any
	Attributes    attribute.Values
}

// ResolverOption is an option for customizing the behavior of a [Resolver].
type ResolverOption interface {
	applyToResolver(*resolverOptions)
}

type resolverOptionFunc func(*resolverOptions)

func (f resolverOptionFunc) applyToResolver(opts *resolverOptions) {
	f(opts)
}

type resolverOptions struct {
	registry *httpfilter.Registry
	clock    internal.Clock
	random   xdsresource.Random
}

// WithFilterRegistry configures the registry used to resolve HTTP filters
// named by listener updates. If not specified, a registry holding the router
// filter and the fault injection filter is used.
func WithFilterRegistry(registry *httpfilter.Registry) ResolverOption {
	return resolverOptionFunc(func(opts *resolverOptions) {
		opts.registry = registry
	})
}

// Resolver translates a logical "xds:" authority into per-call routing
// decisions. It watches the listener resource named by the authority and,
// when that resource points at a separate route configuration, the route
// configuration resource as well. Each usable configuration is published to
// the [Receiver] as a service config naming the selectable clusters, with a
// [ConfigSelector] that routes individual calls.
type Resolver struct {
	authority  string
	factory    xdsclient.Factory
	parser     ServiceConfigParser
	registry   *httpfilter.Registry
	clock      internal.Clock
	random     xdsresource.Random
	channelID  uint64
	serializer *internal.Serializer

	clusterRefs   *clusterRefs
	selector      *ConfigSelector
	routingConfig atomic.Pointer[routingConfig]

	client             xdsclient.Client
	receiver           Receiver
	resolveState       *resolveState
	emptyServiceConfig any
}

// New creates a resolver for the given authority. The factory supplies the
// xDS client when the resolver starts; the parser turns generated service
// config JSON into the host channel's representation.
func New(
	authority string,
	factory xdsclient.Factory,
	parser ServiceConfigParser,
	options ...ResolverOption,
) *Resolver {
	var opts resolverOptions
	for _, option := range options {
		option.applyToResolver(&opts)
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.random == nil {
		opts.random = internal.NewLockedRand()
	}
	if opts.registry == nil {
		opts.registry = httpfilter.NewRegistry(router.NewFilter(), fault.NewFilter(opts.random))
	}
	resolver := &Resolver{
		authority:   authority,
		factory:     factory,
		parser:      parser,
		registry:    opts.registry,
		clock:       opts.clock,
		random:      opts.random,
		serializer:  &internal.Serializer{},
		clusterRefs: newClusterRefs(),
	}
	resolver.channelID = resolver.random.Uint64()
	resolver.selector = &ConfigSelector{resolver: resolver}
	resolver.routingConfig.Store(&emptyRoutingConfig)
	logger.Infof("[xds-resolver %p] Created resolver for %q", resolver, authority)
	return resolver
}

// Authority returns the authority this resolver resolves.
func (r *Resolver) Authority() string {
	return r.authority
}

// Start begins watching xDS resources and delivering results to the given
// receiver. If the xDS client cannot be created, the receiver observes a
// single UNAVAILABLE error and the resolver stays inert. Start must be
// called at most once.
func (r *Resolver) Start(receiver Receiver) {
	r.receiver = receiver
	client, err := r.factory.NewClient()
	if err != nil {
		receiver.OnError(status.Errorf(codes.Unavailable, "Failed to initialize xDS: %v", err))
		return
	}
	r.client = client
	emptyConfig, err := r.parser.ParseServiceConfig(emptyServiceConfigJSON)
	if err != nil {
		logger.Warningf("[xds-resolver %p] Failed to parse empty service config: %v", r, err)
	}
	r.emptyServiceConfig = emptyConfig
	r.resolveState = &resolveState{resolver: r}
	r.serializer.Schedule(r.resolveState.start)
}

// Close cancels all watches and releases the xDS client. No callbacks are
// delivered to the receiver afterwards.
func (r *Resolver) Close() error {
	logger.Infof("[xds-resolver %p] Shutdown", r)
	if r.resolveState != nil {
		r.serializer.Schedule(r.resolveState.stop)
	}
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// releaseCluster gives back one call's reference. When the count hits zero
// the removal is re-checked on the serializer, where a membership change or
// a racing retain may have resurrected the entry in the meantime.
func (r *Resolver) releaseCluster(cluster string) {
	if r.clusterRefs.release(cluster) {
		r.serializer.Schedule(func() {
			if r.clusterRefs.removeIfUnreferenced(cluster) {
				r.updateResolutionResult()
			}
		})
	}
}

// updateResolutionResult emits a result reflecting the current cluster set.
// Runs on the serializer.
func (r *Resolver) updateResolutionResult() {
	configJSON, err := generateLoadBalancingConfig(r.clusterRefs.names())
	var serviceConfig any
	if err == nil {
		if logger.V(2) {
			logger.Infof("[xds-resolver %p] Generated service config:\n%s", r, configJSON)
		}
		serviceConfig, err = r.parser.ParseServiceConfig(configJSON)
	}
	if err != nil {
		logger.Warningf("[xds-resolver %p] Failed to parse generated service config: %v", r, err)
	}
	r.receiver.OnResult(ResolutionResult{
		ServiceConfig: serviceConfig,
		Attributes: attribute.NewValues(
			XdsClientKey.Value(r.client),
			ConfigSelectorKey.Value(r.selector),
		),
	})
}

// routingConfig is the immutable snapshot the config selector reads once
// per call attempt.
type routingConfig struct {
	fallbackTimeout      time.Duration
	routes               []xdsresource.Route
	filterChain          []httpfilter.NamedFilterConfig // nil when filter support is disabled
	virtualHostOverrides map[string]httpfilter.FilterConfig
}

var emptyRoutingConfig routingConfig

// resolveState drives the LDS watch and owns the optional RDS watch. All
// mutation happens on the resolver's serializer.
type resolveState struct {
	resolver *Resolver
	stopped  bool
	// existingClusters is the cluster set named by the most recently
	// published routing snapshot, nil before the first one.
	existingClusters map[string]struct{}
	routeDiscovery   *routeDiscoveryState
	ldsCancel        func()
}

func (s *resolveState) start() {
	logger.Infof("[xds-resolver %p] Start watching LDS resource %q", s.resolver, s.resolver.authority)
	s.ldsCancel = s.resolver.client.WatchListener(s.resolver.authority, s)
}

func (s *resolveState) stop() {
	logger.Infof("[xds-resolver %p] Stop watching LDS resource %q", s.resolver, s.resolver.authority)
	s.stopped = true
	s.cleanUpRouteDiscoveryState()
	if s.ldsCancel != nil {
		s.ldsCancel()
	}
}

func (s *resolveState) OnUpdate(update xdsresource.ListenerUpdate) {
	s.resolver.serializer.Schedule(func() {
		if s.stopped {
			return
		}
		logger.Infof("[xds-resolver %p] Received LDS resource update", s.resolver)
		s.cleanUpRouteDiscoveryState()
		if update.InlineRouteConfig != nil {
			s.updateRoutes(update.InlineRouteConfig.VirtualHosts, update.MaxStreamDuration, update.HTTPFilters)
			return
		}
		discovery := &routeDiscoveryState{
			state:             s,
			resourceName:      update.RouteConfigName,
			maxStreamDuration: update.MaxStreamDuration,
			filterConfigs:     update.HTTPFilters,
		}
		s.routeDiscovery = discovery
		logger.Infof("[xds-resolver %p] Start watching RDS resource %q", s.resolver, discovery.resourceName)
		discovery.cancel = s.resolver.client.WatchRouteConfig(discovery.resourceName, discovery)
	})
}

func (s *resolveState) OnError(err error) {
	s.resolver.serializer.Schedule(func() {
		if s.stopped {
			return
		}
		s.resolver.receiver.OnError(err)
	})
}

func (s *resolveState) OnResourceDoesNotExist(resourceName string) {
	s.resolver.serializer.Schedule(func() {
		if s.stopped {
			return
		}
		logger.Infof("[xds-resolver %p] LDS resource %q unavailable", s.resolver, resourceName)
		s.cleanUpRouteDiscoveryState()
		s.cleanUpRoutes()
	})
}

func (s *resolveState) cleanUpRouteDiscoveryState() {
	if s.routeDiscovery == nil {
		return
	}
	logger.Infof("[xds-resolver %p] Stop watching RDS resource %q", s.resolver, s.routeDiscovery.resourceName)
	s.routeDiscovery.cancel()
	s.routeDiscovery = nil
}

// updateRoutes installs a fresh routing snapshot built from the selected
// virtual host, adjusting cluster references to the clusters the new routes
// can reach. New clusters are granted references and published before old
// ones are dropped, so a call racing with the update can always retain
// whatever cluster the snapshot it read routes to.
func (s *resolveState) updateRoutes(
	virtualHosts []xdsresource.VirtualHost,
	fallbackTimeout time.Duration,
	filterConfigs []httpfilter.NamedFilterConfig,
) {
	resolver := s.resolver
	virtualHost := xdsresource.FindBestMatchingVirtualHost(resolver.authority, virtualHosts)
	if virtualHost == nil {
		logger.Warningf("[xds-resolver %p] Failed to find virtual host matching hostname %q",
			resolver, resolver.authority)
		s.cleanUpRoutes()
		return
	}

	// A router filter is required for request routing. Without filter
	// support routing is always enabled; with it, the chain is cut after
	// the router, and a chain lacking one fails every call.
	routes := virtualHost.Routes
	var filterChain []httpfilter.NamedFilterConfig
	if filterConfigs != nil {
		hasRouter := false
		filterChain = make([]httpfilter.NamedFilterConfig, 0, len(filterConfigs)+1)
		for _, namedFilter := range filterConfigs {
			filterChain = append(filterChain, namedFilter)
			if namedFilter.Config.TypeURL() == router.TypeURL {
				hasRouter = true
				break
			}
		}
		if !hasRouter {
			filterChain = append(filterChain, lameFilterEntry)
			routes = nil
		}
	}

	clusters := make(map[string]struct{})
	for i := range routes {
		action := &routes[i].Action
		if action.Cluster != "" {
			clusters[action.Cluster] = struct{}{}
			continue
		}
		for _, weighted := range action.WeightedClusters {
			clusters[weighted.Name] = struct{}{}
		}
	}

	shouldUpdateResult := s.existingClusters == nil
	for cluster := range clusters {
		if _, ok := s.existingClusters[cluster]; !ok {
			if resolver.clusterRefs.add(cluster) {
				shouldUpdateResult = true
			}
		}
	}
	previousClusters := s.existingClusters
	s.existingClusters = clusters
	if shouldUpdateResult {
		resolver.updateResolutionResult()
	}
	resolver.routingConfig.Store(&routingConfig{
		fallbackTimeout:      fallbackTimeout,
		routes:               routes,
		filterChain:          filterChain,
		virtualHostOverrides: virtualHost.HTTPFilterConfigOverride,
	})
	shouldUpdateResult = false
	for cluster := range previousClusters {
		if _, ok := clusters[cluster]; !ok {
			if resolver.clusterRefs.drop(cluster) {
				shouldUpdateResult = true
			}
		}
	}
	if shouldUpdateResult {
		resolver.updateResolutionResult()
	}
}

// cleanUpRoutes reverts to the empty routing configuration, dropping the
// membership reference of every current cluster, and emits an empty result.
func (s *resolveState) cleanUpRoutes() {
	resolver := s.resolver
	if s.existingClusters != nil {
		for cluster := range s.existingClusters {
			resolver.clusterRefs.drop(cluster)
		}
		s.existingClusters = nil
	}
	resolver.routingConfig.Store(&emptyRoutingConfig)
	resolver.receiver.OnResult(ResolutionResult{
		ServiceConfig: resolver.emptyServiceConfig,
		Attributes:    attribute.NewValues(),
	})
}

// routeDiscoveryState is the RDS watcher spawned for one listener update.
// Callbacks from a superseded instance are dropped by pointer identity.
type routeDiscoveryState struct {
	state             *resolveState
	resourceName      string
	maxStreamDuration time.Duration
	filterConfigs     []httpfilter.NamedFilterConfig
	cancel            func()
}

func (d *routeDiscoveryState) OnUpdate(update xdsresource.RouteConfigUpdate) {
	d.state.resolver.serializer.Schedule(func() {
		if d != d.state.routeDiscovery {
			return
		}
		logger.Infof("[xds-resolver %p] Received RDS resource update", d.state.resolver)
		d.state.updateRoutes(update.VirtualHosts, d.maxStreamDuration, d.filterConfigs)
	})
}

func (d *routeDiscoveryState) OnError(err error) {
	d.state.resolver.serializer.Schedule(func() {
		if d != d.state.routeDiscovery {
			return
		}
		d.state.resolver.receiver.OnError(err)
	})
}

func (d *routeDiscoveryState) OnResourceDoesNotExist(resourceName string) {
	d.state.resolver.serializer.Schedule(func() {
		if d != d.state.routeDiscovery {
			return
		}
		logger.Infof("[xds-resolver %p] RDS resource %q unavailable", d.state.resolver, resourceName)
		d.state.cleanUpRoutes()
	})
}
