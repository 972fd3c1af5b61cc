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

// Package router provides the router HTTP filter. The filter performs no
// per-call work on the client side; its presence terminates a filter chain
// and marks the point at which routing actually happens. A filter chain
// without it cannot route RPCs at all.
package router

import (
	"fmt"

	routerv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/bufbuild/xdsresolver/httpfilter"
)

// TypeURL is the message type of the router filter configuration.
const TypeURL = "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router"

// NewFilter returns the router filter.
func NewFilter() httpfilter.Filter {
	return filter{}
}

type filter struct{}

func (filter) TypeURLs() []string {
	return []string{TypeURL}
}

func (filter) ParseFilterConfig(cfg proto.Message) (httpfilter.FilterConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("router: nil configuration message provided")
	}
	anyMsg, ok := cfg.(*anypb.Any)
	if !ok {
		return nil, fmt.Errorf("router: error parsing config %v: unknown type %T", cfg, cfg)
	}
	msg := new(routerv3.Router)
	if err := anyMsg.UnmarshalTo(msg); err != nil {
		return nil, fmt.Errorf("router: error parsing config %v: %w", cfg, err)
	}
	return config{}, nil
}

func (filter) ParseFilterConfigOverride(override proto.Message) (httpfilter.FilterConfig, error) {
	if override != nil {
		return nil, fmt.Errorf("router: unexpected config override specified: %v", override)
	}
	return config{}, nil
}

func (filter) IsTerminal() bool {
	return true
}

// config carries no information; the router filter has no options the
// client cares about.
type config struct{}

func (config) TypeURL() string {
	return TypeURL
}
