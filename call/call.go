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

// Package call defines the abstractions for a single RPC that resolver
// interceptors operate on. A [Channel] creates calls, a [Call] carries one
// RPC, and a [Listener] receives its results. An [Interceptor] sits between
// a caller and a channel and may observe, delay, or fail calls without the
// channel ever seeing them. These mirror the client call surface of an RPC
// library at the narrow waist the resolver needs, so interceptors built by
// HTTP filters stay independent of any particular client implementation.
package call

import (
	"github.com/bufbuild/xdsresolver/attribute"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RPCInfo describes the RPC for which per-call configuration is being
// selected. It is available to interceptor builders before the call starts,
// so filters can make decisions from the request headers, such as reading
// fault injection controls.
type RPCInfo struct {
	// Method is the full method name with a leading slash, in the form
	// "/service/method".
	Method string
	// Headers are the request headers the RPC will be started with.
	Headers metadata.MD
}

// Listener receives the results of a call. Exactly one OnClose call is
// delivered per started call, possibly preceded by OnHeaders.
type Listener interface {
	// OnHeaders is invoked with the response headers, before any messages.
	OnHeaders(headers metadata.MD)
	// OnClose is invoked when the call completes, with the final status and
	// trailers. No other callbacks follow it.
	OnClose(status *status.Status, trailers metadata.MD)
}

// Call is a single in-flight RPC. Start must be called at most once.
type Call interface {
	// Start begins the call, sending the given request headers. Results are
	// delivered to the listener.
	Start(listener Listener, headers metadata.MD)
	// Cancel tears the call down. The message and cause describe why; the
	// listener's OnClose receives a cancellation status if the call had
	// started and not yet completed.
	Cancel(message string, cause error)
}

// Channel creates new calls.
type Channel interface {
	NewCall(method string, callOptions attribute.Values) Call
}

// Interceptor intercepts call creation on its way to a channel. An
// implementation can pass the call through to next, rewrite the call
// options, wrap the returned call, or fabricate a call that never reaches
// next at all.
type Interceptor interface {
	InterceptCall(method string, callOptions attribute.Values, next Channel) Call
}

// Chain combines interceptors into a single one. The first interceptor in
// the list is outermost: it intercepts first and sees the others as its
// next channel. An empty chain passes calls through unchanged.
func Chain(interceptors ...Interceptor) Interceptor {
	if len(interceptors) == 1 {
		return interceptors[0]
	}
	return chainInterceptor(interceptors)
}

type chainInterceptor []Interceptor

func (c chainInterceptor) InterceptCall(method string, callOptions attribute.Values, next Channel) Call {
	channel := next
	for i := len(c) - 1; i >= 0; i-- {
		channel = &interceptedChannel{interceptor: c[i], next: channel}
	}
	return channel.NewCall(method, callOptions)
}

type interceptedChannel struct {
	interceptor Interceptor
	next        Channel
}

func (c *interceptedChannel) NewCall(method string, callOptions attribute.Values) Call {
	return c.interceptor.InterceptCall(method, callOptions, c.next)
}
