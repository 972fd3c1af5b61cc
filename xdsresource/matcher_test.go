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

package xdsresource

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

type fakeRandom struct {
	intnResult int
}

func (r fakeRandom) Intn(_ int) int { return r.intnResult }

func (r fakeRandom) Uint64() uint64 { return 0 }

func TestMatchHostname(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		host    string
		pattern string
		want    bool
	}{
		{name: "exact", host: "foo.googleapis.com", pattern: "foo.googleapis.com", want: true},
		{name: "exact case insensitive", host: "FOO.googleapis.com", pattern: "foo.Googleapis.COM", want: true},
		{name: "exact mismatch", host: "bar.googleapis.com", pattern: "foo.googleapis.com", want: false},
		{name: "universal wildcard", host: "anything.at.all", pattern: "*", want: true},
		{name: "suffix wildcard", host: "foo.googleapis.com", pattern: "*.googleapis.com", want: true},
		{name: "suffix wildcard needs one char", host: "googleapis.com", pattern: "*googleapis.com", want: false},
		{name: "suffix wildcard one char", host: "agoogleapis.com", pattern: "*googleapis.com", want: true},
		{name: "suffix wildcard wrong suffix", host: "foo.googleapis.org", pattern: "*.googleapis.com", want: false},
		{name: "prefix wildcard", host: "foo.googleapis.com", pattern: "foo.googleapis.*", want: true},
		{name: "prefix wildcard wrong prefix", host: "bar.googleapis.com", pattern: "foo.googleapis.*", want: false},
		{name: "wildcard in the middle", host: "foo.googleapis.com", pattern: "foo.*.com", want: false},
		{name: "two wildcards", host: "foo.googleapis.com", pattern: "*.googleapis.*", want: false},
		{name: "host shorter than pattern", host: "o.com", pattern: "*bar.com", want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, testCase.want, MatchHostname(testCase.host, testCase.pattern))
		})
	}
}

func TestMatchHostname_InvalidInput(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { MatchHostname("", "foo.com") })
	assert.Panics(t, func() { MatchHostname(".foo.com", "foo.com") })
	assert.Panics(t, func() { MatchHostname("foo.com.", "foo.com") })
	assert.Panics(t, func() { MatchHostname("foo.com", "") })
	assert.Panics(t, func() { MatchHostname("foo.com", ".foo.com") })
	assert.Panics(t, func() { MatchHostname("foo.com", "foo.com.") })
}

func TestFindBestMatchingVirtualHost(t *testing.T) {
	t.Parallel()

	exactHost := VirtualHost{Name: "exact", Domains: []string{"a.googleapis.com", "b.googleapis.com"}}
	suffixHost := VirtualHost{Name: "suffix", Domains: []string{"*.googleapis.com"}}
	shortPrefixHost := VirtualHost{Name: "short-prefix", Domains: []string{"a.googleapis.*"}}
	catchAllHost := VirtualHost{Name: "catch-all", Domains: []string{"*"}}
	virtualHosts := []VirtualHost{catchAllHost, shortPrefixHost, suffixHost, exactHost}

	testCases := []struct {
		name string
		host string
		want string
	}{
		// Exact domains beat any wildcard.
		{name: "exact beats wildcards", host: "a.googleapis.com", want: "exact"},
		{name: "second exact domain", host: "b.googleapis.com", want: "exact"},
		// "*.googleapis.com" is longer than "a.googleapis.*".
		{name: "longest wildcard wins", host: "c.googleapis.com", want: "suffix"},
		{name: "prefix wildcard", host: "a.googleapis.org", want: "short-prefix"},
		{name: "catch-all", host: "something.else.entirely", want: "catch-all"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			got := FindBestMatchingVirtualHost(testCase.host, virtualHosts)
			require.NotNil(t, got)
			assert.Equal(t, testCase.want, got.Name)
		})
	}
}

func TestFindBestMatchingVirtualHost_SuffixWinsTie(t *testing.T) {
	t.Parallel()

	prefixHost := VirtualHost{Name: "prefix", Domains: []string{"a.googleapis.co*"}}
	suffixHost := VirtualHost{Name: "suffix", Domains: []string{"*.googleapis.com"}}

	// Both patterns have the same length and both match; the suffix wildcard
	// must win regardless of declaration order.
	got := FindBestMatchingVirtualHost("a.googleapis.com", []VirtualHost{prefixHost, suffixHost})
	require.NotNil(t, got)
	assert.Equal(t, "suffix", got.Name)

	got = FindBestMatchingVirtualHost("a.googleapis.com", []VirtualHost{suffixHost, prefixHost})
	require.NotNil(t, got)
	assert.Equal(t, "suffix", got.Name)
}

func TestFindBestMatchingVirtualHost_NoMatch(t *testing.T) {
	t.Parallel()

	virtualHosts := []VirtualHost{
		{Name: "one", Domains: []string{"foo.googleapis.com"}},
		{Name: "two", Domains: []string{"*.googleapis.com"}},
	}
	assert.Nil(t, FindBestMatchingVirtualHost("bar.example.com", virtualHosts))
}

func TestPathMatcher(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		matcher PathMatcher
		path    string
		want    bool
	}{
		{name: "exact", matcher: ExactPathMatcher("/FooService/barMethod", true), path: "/FooService/barMethod", want: true},
		{name: "exact mismatch", matcher: ExactPathMatcher("/FooService/barMethod", true), path: "/fooservice/barmethod", want: false},
		{name: "exact case insensitive", matcher: ExactPathMatcher("/FooService/barMethod", false), path: "/fooservice/barmethod", want: true},
		{name: "prefix", matcher: PrefixPathMatcher("/FooService/", true), path: "/FooService/barMethod", want: true},
		{name: "prefix mismatch", matcher: PrefixPathMatcher("/FooService/", true), path: "/BarService/barMethod", want: false},
		{name: "prefix case insensitive", matcher: PrefixPathMatcher("/fooservice/", false), path: "/FooService/barMethod", want: true},
		{name: "regex full match", matcher: RegexPathMatcher(regexp.MustCompile("/FooService/[a-z]+")), path: "/FooService/bar", want: true},
		{name: "regex partial match rejected", matcher: RegexPathMatcher(regexp.MustCompile("/FooService/[a-z]+")), path: "/FooService/bar2", want: false},
		{name: "zero value matches nothing", matcher: PathMatcher{}, path: "/FooService/barMethod", want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, testCase.want, testCase.matcher.Match(testCase.path))
		})
	}
}

func TestHeaderMatcher(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		matcher HeaderMatcher
		value   string
		present bool
		want    bool
	}{
		{name: "exact", matcher: ExactHeaderMatcher("k", "v", false), value: "v", present: true, want: true},
		{name: "exact mismatch", matcher: ExactHeaderMatcher("k", "v", false), value: "other", present: true, want: false},
		{name: "exact inverted", matcher: ExactHeaderMatcher("k", "v", true), value: "other", present: true, want: true},
		{name: "exact absent", matcher: ExactHeaderMatcher("k", "v", false), want: false},
		// An absent header never satisfies a value matcher, not even an
		// inverted one.
		{name: "exact absent inverted", matcher: ExactHeaderMatcher("k", "v", true), want: false},
		{name: "regex", matcher: RegexHeaderMatcher("k", regexp.MustCompile("v[0-9]"), false), value: "v1", present: true, want: true},
		{name: "regex partial match rejected", matcher: RegexHeaderMatcher("k", regexp.MustCompile("v[0-9]"), false), value: "v12", present: true, want: false},
		{name: "range inside", matcher: RangeHeaderMatcher("k", 0, 10, false), value: "10", present: true, want: true},
		{name: "range outside", matcher: RangeHeaderMatcher("k", 0, 10, false), value: "11", present: true, want: false},
		{name: "range unparseable", matcher: RangeHeaderMatcher("k", 0, 10, false), value: "ten", present: true, want: false},
		{name: "range unparseable inverted", matcher: RangeHeaderMatcher("k", 0, 10, true), value: "ten", present: true, want: true},
		{name: "present", matcher: PresentHeaderMatcher("k", true, false), value: "anything", present: true, want: true},
		{name: "present expecting absence", matcher: PresentHeaderMatcher("k", false, false), want: true},
		{name: "present inverted", matcher: PresentHeaderMatcher("k", true, true), value: "anything", present: true, want: false},
		{name: "present inverted absent", matcher: PresentHeaderMatcher("k", true, true), want: true},
		{name: "prefix", matcher: PrefixHeaderMatcher("k", "val", false), value: "value", present: true, want: true},
		{name: "suffix", matcher: SuffixHeaderMatcher("k", "lue", false), value: "value", present: true, want: true},
		{name: "suffix inverted", matcher: SuffixHeaderMatcher("k", "lue", true), value: "value", present: true, want: false},
		{name: "zero value matches nothing", matcher: HeaderMatcher{}, value: "v", present: true, want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, testCase.want, testCase.matcher.Match(testCase.value, testCase.present))
		})
	}
}

func TestHeaderValue(t *testing.T) {
	t.Parallel()

	headers := metadata.Pairs(
		"k1", "v1",
		"k2", "v2a",
		"k2", "v2b",
		"content-type", "application/grpc+proto",
		"data-bin", "\x00\x01",
	)

	value, present := HeaderValue(headers, "k1")
	assert.True(t, present)
	assert.Equal(t, "v1", value)

	// Multiple values joined with commas.
	value, present = HeaderValue(headers, "k2")
	assert.True(t, present)
	assert.Equal(t, "v2a,v2b", value)

	// Binary headers are invisible to matching.
	_, present = HeaderValue(headers, "data-bin")
	assert.False(t, present)

	// Content type always reads as the gRPC content type.
	value, present = HeaderValue(headers, "content-type")
	assert.True(t, present)
	assert.Equal(t, "application/grpc", value)

	_, present = HeaderValue(headers, "missing")
	assert.False(t, present)
}

func TestRouteMatch_Match(t *testing.T) {
	t.Parallel()

	match := RouteMatch{
		Path:    PrefixPathMatcher("/FooService/", true),
		Headers: []HeaderMatcher{ExactHeaderMatcher("env", "prod", false)},
	}
	headers := metadata.Pairs("env", "prod")

	assert.True(t, match.Match("/FooService/bar", headers, fakeRandom{}))
	assert.False(t, match.Match("/BarService/bar", headers, fakeRandom{}))
	assert.False(t, match.Match("/FooService/bar", metadata.Pairs("env", "dev"), fakeRandom{}))
	assert.False(t, match.Match("/FooService/bar", metadata.MD{}, fakeRandom{}))
}

func TestRouteMatch_MatchFraction(t *testing.T) {
	t.Parallel()

	match := RouteMatch{
		Path:     PrefixPathMatcher("/", true),
		Fraction: &FractionMatcher{Numerator: 50, Denominator: 100},
	}

	assert.True(t, match.Match("/FooService/bar", metadata.MD{}, fakeRandom{intnResult: 49}))
	assert.False(t, match.Match("/FooService/bar", metadata.MD{}, fakeRandom{intnResult: 50}))
}
