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

// Package xdsclient defines the surface of the xDS transport client that the
// resolver consumes. The resolver only registers watches for listener and
// route configuration resources and reacts to the updates; establishing and
// maintaining the management server connection is the client's concern and
// lives behind the [Client] interface.
package xdsclient

import "github.com/bufbuild/xdsresolver/xdsresource"

// Client watches xDS resources on behalf of the resolver. Implementations
// must deliver callbacks for a given watcher in order and must not invoke a
// watcher after its cancel function returns.
type Client interface {
	// WatchListener registers a watcher for the listener resource with the
	// given name. The returned function cancels the watch.
	WatchListener(name string, watcher ListenerWatcher) (cancel func())
	// WatchRouteConfig registers a watcher for the route configuration
	// resource with the given name. The returned function cancels the watch.
	WatchRouteConfig(name string, watcher RouteConfigWatcher) (cancel func())
	// Close releases the client. For shared or pooled clients this returns
	// the caller's reference rather than tearing down the transport.
	Close() error
}

// ListenerWatcher receives updates for a watched listener resource.
type ListenerWatcher interface {
	// OnUpdate is invoked whenever the resource changes, including the
	// initial version.
	OnUpdate(update xdsresource.ListenerUpdate)
	// OnError is invoked on transient transport or validation failures. The
	// watch remains active and a later OnUpdate supersedes the error.
	OnError(err error)
	// OnResourceDoesNotExist is invoked when the management server
	// affirmatively reports that the resource is gone.
	OnResourceDoesNotExist(resourceName string)
}

// RouteConfigWatcher receives updates for a watched route configuration
// resource.
type RouteConfigWatcher interface {
	OnUpdate(update xdsresource.RouteConfigUpdate)
	OnError(err error)
	OnResourceDoesNotExist(resourceName string)
}

// Factory creates the Client a resolver instance will use for the lifetime
// of its channel. Factories are how bootstrap failures surface: if the
// client cannot be constructed, resolution fails without ever watching.
type Factory interface {
	NewClient() (Client, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func() (Client, error)

func (f FactoryFunc) NewClient() (Client, error) {
	return f()
}
