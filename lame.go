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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/bufbuild/xdsresolver/attribute"
	"github.com/bufbuild/xdsresolver/call"
	"github.com/bufbuild/xdsresolver/httpfilter"
)

const lameFilterTypeURL = "xdsresolver.internal.lame_filter"

// lameFilterEntry terminates a filter chain that lacks a router filter. The
// control plane never produces it; the resolver appends it so that every
// call fails explicitly instead of being routed nowhere.
var lameFilterEntry = httpfilter.NamedFilterConfig{Name: "", Config: lameConfig{}}

type lameConfig struct{}

func (lameConfig) TypeURL() string {
	return lameFilterTypeURL
}

type lameFilter struct{}

var _ httpfilter.Filter = lameFilter{}
var _ httpfilter.ClientInterceptorBuilder = lameFilter{}

func (lameFilter) TypeURLs() []string {
	return []string{lameFilterTypeURL}
}

func (lameFilter) ParseFilterConfig(_ proto.Message) (httpfilter.FilterConfig, error) {
	return lameConfig{}, nil
}

func (lameFilter) ParseFilterConfigOverride(_ proto.Message) (httpfilter.FilterConfig, error) {
	return lameConfig{}, nil
}

func (lameFilter) IsTerminal() bool {
	return true
}

func (lameFilter) BuildClientInterceptor(
	_, _ httpfilter.FilterConfig,
	_ call.RPCInfo,
	_ httpfilter.Scheduler,
) call.Interceptor {
	return lameInterceptor{}
}

type lameInterceptor struct{}

func (lameInterceptor) InterceptCall(_ string, _ attribute.Values, _ call.Channel) call.Call {
	return lameCall{}
}

type lameCall struct{}

func (lameCall) Start(listener call.Listener, _ metadata.MD) {
	listener.OnClose(status.New(codes.Unavailable, "No router filter"), metadata.MD{})
}

func (lameCall) Cancel(_ string, _ error) {}
