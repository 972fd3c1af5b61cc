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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfigParser turns the service config JSON the resolver generates
// into whatever representation the host channel consumes. Parsing is the
// channel's concern; the resolver only hands the parsed value through in
// resolution results and per-call configs.
type ServiceConfigParser interface {
	ParseServiceConfig(configJSON []byte) (any, error)
}

// ServiceConfigParserFunc adapts a function to the [ServiceConfigParser]
// interface.
type ServiceConfigParserFunc func(configJSON []byte) (any, error)

// ParseServiceConfig implements ServiceConfigParser.
func (f ServiceConfigParserFunc) ParseServiceConfig(configJSON []byte) (any, error) {
	return f(configJSON)
}

// Per-method timeouts can be disabled by setting this environment variable
// to "false". Read once at process start.
const enableTimeoutEnvVar = "GRPC_XDS_EXPERIMENTAL_ENABLE_TIMEOUT"

var enableTimeout = func() bool {
	value := os.Getenv(enableTimeoutEnvVar)
	return value == "" || strings.EqualFold(value, "true")
}()

var emptyServiceConfigJSON = []byte("{}")

type loadBalancingServiceConfig struct {
	LoadBalancingConfig []loadBalancingPolicy `json:"loadBalancingConfig"`
}

type loadBalancingPolicy struct {
	ClusterManager *clusterManagerConfig `json:"cluster_manager_experimental,omitempty"`
	CDS            *cdsClusterConfig     `json:"cds_experimental,omitempty"`
}

type clusterManagerConfig struct {
	ChildPolicy map[string]clusterChildPolicy `json:"childPolicy"`
}

type clusterChildPolicy struct {
	LBPolicy []loadBalancingPolicy `json:"lbPolicy"`
}

type cdsClusterConfig struct {
	Cluster string `json:"cluster"`
}

// generateLoadBalancingConfig produces the cluster-manager service config
// listing every given cluster as a CDS child policy.
func generateLoadBalancingConfig(clusters []string) ([]byte, error) {
	childPolicy := make(map[string]clusterChildPolicy, len(clusters))
	for _, cluster := range clusters {
		childPolicy[cluster] = clusterChildPolicy{
			LBPolicy: []loadBalancingPolicy{{CDS: &cdsClusterConfig{Cluster: cluster}}},
		}
	}
	return json.Marshal(loadBalancingServiceConfig{
		LoadBalancingConfig: []loadBalancingPolicy{
			{ClusterManager: &clusterManagerConfig{ChildPolicy: childPolicy}},
		},
	})
}

type methodConfigServiceConfig struct {
	MethodConfig []methodConfig `json:"methodConfig"`
}

type methodConfig struct {
	// A single empty name entry selects every method on the channel.
	Name    []struct{} `json:"name"`
	Timeout string     `json:"timeout"`
}

// generateMethodTimeoutConfig produces a service config applying the given
// timeout to every method.
func generateMethodTimeoutConfig(timeout time.Duration) ([]byte, error) {
	return json.Marshal(methodConfigServiceConfig{
		MethodConfig: []methodConfig{{
			Name:    []struct{}{{}},
			Timeout: durationAsSeconds(timeout),
		}},
	})
}

// durationAsSeconds renders a duration the way the service config schema
// spells timeouts: seconds with a nanosecond fraction, such as "15.0s" or
// "1.000000001s".
func durationAsSeconds(duration time.Duration) string {
	seconds := strconv.FormatInt(int64(duration/time.Second), 10)
	fraction := strings.TrimRight(fmt.Sprintf("%09d", duration%time.Second), "0")
	if fraction == "" {
		fraction = "0"
	}
	return seconds + "." + fraction + "s"
}
