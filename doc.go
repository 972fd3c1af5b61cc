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

// Package xdsresolver resolves logical "xds:" service names into per-call
// routing decisions driven by a control plane.
//
// A [Resolver] watches the listener (LDS) resource named by its authority
// through an abstract [xdsclient.Client]. The listener either carries its
// route table inline or points at a route configuration (RDS) resource,
// which the resolver then watches as well. Every usable configuration is
// published to a [Receiver] as a resolution result: a generated service
// config naming the currently selectable clusters, plus attributes carrying
// a [ConfigSelector] and the shared xDS client.
//
// The host channel consults the [ConfigSelector] for each outgoing call.
// The selector matches the call's method and metadata against the routes of
// the best matching virtual host, picks a cluster (directly or by weighted
// draw), computes the call's hash from the route's hash policies, and
// assembles an interceptor chain from the configured HTTP filters. The
// chosen cluster is reference counted: it stays in the emitted service
// config until the configuration stops naming it and the last in-flight
// call routed to it completes, so late responses always find their cluster
// still present downstream.
//
// To create a new resolver use [New]. The resolver is inert until
// [Resolver.Start] is called with a [Receiver]; [Resolver.Close] cancels all
// watches. Filter support
// covers the router filter, which terminates a filter chain (see
// [github.com/bufbuild/xdsresolver/httpfilter/router]), and HTTP fault
// injection (see [github.com/bufbuild/xdsresolver/httpfilter/fault]).
// Custom filters can be supplied with [WithFilterRegistry].
package xdsresolver
