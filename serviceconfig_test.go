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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationAsSeconds(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		duration time.Duration
		want     string
	}{
		{duration: 15 * time.Second, want: "15.0s"},
		{duration: time.Second + time.Nanosecond, want: "1.000000001s"},
		{duration: 500 * time.Millisecond, want: "0.5s"},
		{duration: time.Nanosecond, want: "0.000000001s"},
		{duration: 90 * time.Second, want: "90.0s"},
		{duration: time.Hour, want: "3600.0s"},
		{duration: 0, want: "0.0s"},
		{duration: 1234500 * time.Microsecond, want: "1.2345s"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, testCase.want, durationAsSeconds(testCase.duration))
		})
	}
}

func TestGenerateMethodTimeoutConfig(t *testing.T) {
	t.Parallel()

	configJSON, err := generateMethodTimeoutConfig(15 * time.Second)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"methodConfig":[{"name":[{}],"timeout":"15.0s"}]}`,
		string(configJSON))
}

func TestGenerateLoadBalancingConfig(t *testing.T) {
	t.Parallel()

	configJSON, err := generateLoadBalancingConfig([]string{"cluster-bar", "cluster-foo"})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"loadBalancingConfig": [{
			"cluster_manager_experimental": {
				"childPolicy": {
					"cluster-bar": {"lbPolicy": [{"cds_experimental": {"cluster": "cluster-bar"}}]},
					"cluster-foo": {"lbPolicy": [{"cds_experimental": {"cluster": "cluster-foo"}}]}
				}
			}
		}]
	}`, string(configJSON))
}

func TestGenerateLoadBalancingConfig_NoClusters(t *testing.T) {
	t.Parallel()

	configJSON, err := generateLoadBalancingConfig(nil)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"loadBalancingConfig":[{"cluster_manager_experimental":{"childPolicy":{}}}]}`,
		string(configJSON))
}
