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
	"strconv"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Random is the source of randomness for route fraction matching, weighted
// cluster selection, and fault injection percentages. It is satisfied by
// a mutex-guarded *math/rand.Rand; tests substitute fixed sequences.
type Random interface {
	Intn(n int) int
	Uint64() uint64
}

// RouteMatch is the condition under which a route applies to an RPC. All
// populated parts must match.
type RouteMatch struct {
	Path     PathMatcher
	Headers  []HeaderMatcher
	Fraction *FractionMatcher
}

// Match reports whether the RPC with the given full method name and request
// headers satisfies this condition. The random source decides fractional
// matches.
func (m RouteMatch) Match(path string, headers metadata.MD, random Random) bool {
	if !m.Path.Match(path) {
		return false
	}
	for _, headerMatcher := range m.Headers {
		value, present := HeaderValue(headers, headerMatcher.Name())
		if !headerMatcher.Match(value, present) {
			return false
		}
	}
	if m.Fraction != nil {
		return random.Intn(m.Fraction.Denominator) < m.Fraction.Numerator
	}
	return true
}

// HeaderValue returns the value of the named header the way route matching
// and hash policies see it. Binary-suffixed headers are not matchable, the
// content-type header always reads as the gRPC content type, and multiple
// values are joined with commas.
func HeaderValue(headers metadata.MD, name string) (value string, present bool) {
	if strings.HasSuffix(name, "-bin") {
		return "", false
	}
	if name == "content-type" {
		return "application/grpc", true
	}
	values := headers.Get(name)
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ","), true
}

// PathMatcher matches the full method name of an RPC, in the form
// "/service/method". The zero value matches nothing; construct instances
// with [ExactPathMatcher], [PrefixPathMatcher], or [RegexPathMatcher].
type PathMatcher struct {
	path          *string
	prefix        *string
	regex         *regexp.Regexp
	caseSensitive bool
}

// ExactPathMatcher matches the full method name in its entirety.
func ExactPathMatcher(path string, caseSensitive bool) PathMatcher {
	return PathMatcher{path: &path, caseSensitive: caseSensitive}
}

// PrefixPathMatcher matches any method name beginning with prefix.
func PrefixPathMatcher(prefix string, caseSensitive bool) PathMatcher {
	return PathMatcher{prefix: &prefix, caseSensitive: caseSensitive}
}

// RegexPathMatcher matches method names the regex matches in full. Regex
// matching is always case sensitive.
func RegexPathMatcher(regex *regexp.Regexp) PathMatcher {
	return PathMatcher{regex: regex, caseSensitive: true}
}

// Match reports whether the matcher accepts the given full method name.
func (m PathMatcher) Match(path string) bool {
	switch {
	case m.path != nil:
		if m.caseSensitive {
			return *m.path == path
		}
		return strings.EqualFold(*m.path, path)
	case m.prefix != nil:
		if m.caseSensitive {
			return strings.HasPrefix(path, *m.prefix)
		}
		return strings.HasPrefix(strings.ToLower(path), strings.ToLower(*m.prefix))
	case m.regex != nil:
		return fullMatchWithRegex(m.regex, path)
	}
	return false
}

// fullMatchWithRegex reports whether the regex matches the whole input, not
// merely a substring of it.
func fullMatchWithRegex(re *regexp.Regexp, input string) bool {
	if len(input) == 0 {
		return re.MatchString(input)
	}
	re.Longest()
	return len(re.FindString(input)) == len(input)
}

// HeaderMatcher matches a single request header. The zero value matches
// nothing; construct instances with the Exact/Regex/Range/Present/Prefix/
// SuffixHeaderMatcher functions. Every kind accepts an invert flag that
// negates the outcome, except that a present matcher folds inversion into
// its own logic.
type HeaderMatcher struct {
	name     string
	inverted bool

	exact    *string
	regex    *regexp.Regexp
	numRange *headerRange
	present  *bool
	prefix   *string
	suffix   *string
}

type headerRange struct {
	start, end int64
}

// ExactHeaderMatcher matches a header whose value equals value exactly.
func ExactHeaderMatcher(name, value string, invert bool) HeaderMatcher {
	return HeaderMatcher{name: name, exact: &value, inverted: invert}
}

// RegexHeaderMatcher matches a header whose value the regex matches in full.
func RegexHeaderMatcher(name string, regex *regexp.Regexp, invert bool) HeaderMatcher {
	return HeaderMatcher{name: name, regex: regex, inverted: invert}
}

// RangeHeaderMatcher matches a header whose value parses as a 64-bit integer
// within [start, end]. Values that do not parse never match.
func RangeHeaderMatcher(name string, start, end int64, invert bool) HeaderMatcher {
	return HeaderMatcher{name: name, numRange: &headerRange{start: start, end: end}, inverted: invert}
}

// PresentHeaderMatcher matches on whether the header exists at all, equal to
// the present argument.
func PresentHeaderMatcher(name string, present, invert bool) HeaderMatcher {
	return HeaderMatcher{name: name, present: &present, inverted: invert}
}

// PrefixHeaderMatcher matches a header whose value begins with prefix.
func PrefixHeaderMatcher(name, prefix string, invert bool) HeaderMatcher {
	return HeaderMatcher{name: name, prefix: &prefix, inverted: invert}
}

// SuffixHeaderMatcher matches a header whose value ends with suffix.
func SuffixHeaderMatcher(name, suffix string, invert bool) HeaderMatcher {
	return HeaderMatcher{name: name, suffix: &suffix, inverted: invert}
}

// Name returns the header name this matcher examines.
func (m HeaderMatcher) Name() string {
	return m.name
}

// Match reports whether the matcher accepts the header value. The present
// argument distinguishes an absent header from one with an empty value; an
// absent header only satisfies a present matcher expecting absence.
func (m HeaderMatcher) Match(value string, present bool) bool {
	if m.present != nil {
		return !present == (*m.present == m.inverted)
	}
	if !present {
		return false
	}
	var baseMatch bool
	switch {
	case m.exact != nil:
		baseMatch = *m.exact == value
	case m.regex != nil:
		baseMatch = fullMatchWithRegex(m.regex, value)
	case m.numRange != nil:
		if num, err := strconv.ParseInt(value, 10, 64); err == nil {
			baseMatch = num >= m.numRange.start && num <= m.numRange.end
		}
	case m.prefix != nil:
		baseMatch = strings.HasPrefix(value, *m.prefix)
	case m.suffix != nil:
		baseMatch = strings.HasSuffix(value, *m.suffix)
	}
	return baseMatch != m.inverted
}

// FractionMatcher admits a random fraction of RPCs, Numerator out of
// Denominator.
type FractionMatcher struct {
	Numerator   int
	Denominator int
}

// MatchHostname reports whether the virtual host domain pattern matches the
// given host. A pattern may contain at most one wildcard "*", and only as
// its leftmost or rightmost character; the wildcard stands for one or more
// characters. Matching is case-insensitive. MatchHostname panics if either
// argument is empty or begins or ends with a dot, since such values are
// rejected when resources are validated.
func MatchHostname(host, pattern string) bool {
	if host == "" || strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		panic("invalid host name")
	}
	if pattern == "" || strings.HasPrefix(pattern, ".") || strings.HasSuffix(pattern, ".") {
		panic("invalid pattern/domain name")
	}
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)
	if !strings.Contains(pattern, "*") {
		return host == pattern
	}
	if len(pattern) == 1 {
		return true
	}
	index := strings.Index(pattern, "*")
	// At most one wildcard is allowed, and only at an edge.
	if strings.Contains(pattern[index+1:], "*") {
		return false
	}
	if index != 0 && index != len(pattern)-1 {
		return false
	}
	// The host must be longer than the pattern's literal part because the
	// wildcard matches at least one character.
	if len(host) < len(pattern) {
		return false
	}
	if index == 0 && strings.HasSuffix(host, pattern[1:]) {
		return true
	}
	return index == len(pattern)-1 && strings.HasPrefix(host, pattern[:len(pattern)-1])
}

// FindBestMatchingVirtualHost returns the virtual host whose domains best
// match the given host. An exactly matching domain wins outright; among
// wildcard matches the longest pattern wins, and at equal length a suffix
// wildcard displaces the incumbent. Returns nil if nothing matches.
func FindBestMatchingVirtualHost(host string, virtualHosts []VirtualHost) *VirtualHost {
	var target *VirtualHost
	matchingLen := -1
	for i := range virtualHosts {
		virtualHost := &virtualHosts[i]
		for _, domain := range virtualHost.Domains {
			if !MatchHostname(host, domain) {
				continue
			}
			if !strings.Contains(domain, "*") {
				return virtualHost
			}
			if len(domain) > matchingLen ||
				(len(domain) == matchingLen && strings.HasPrefix(domain, "*")) {
				matchingLen = len(domain)
				target = virtualHost
			}
		}
	}
	return target
}
