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

// Package fault provides the fault injection HTTP filter. Per its
// configuration, the filter delays or aborts a random fraction of RPCs
// before they start, either with fixed parameters from the management
// server or with parameters the caller supplies in x-envoy-fault-* request
// headers. An abort closes the call with the configured status; a delay
// holds the call back on a timer and then lets it proceed (or aborts it,
// if both are configured).
package fault

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	commonfaultv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/common/fault/v3"
	faultv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/fault/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/bufbuild/xdsresolver/attribute"
	"github.com/bufbuild/xdsresolver/call"
	"github.com/bufbuild/xdsresolver/httpfilter"
	"github.com/bufbuild/xdsresolver/xdsresource"
)

// TypeURL is the message type of the fault filter configuration.
const TypeURL = "type.googleapis.com/envoy.extensions.filters.http.fault.v3.HTTPFault"

// Request headers through which callers can steer fault injection, within
// the limits the filter configuration allows.
const (
	headerAbortHTTPStatus = "x-envoy-fault-abort-request"
	headerAbortGRPCStatus = "x-envoy-fault-abort-grpc-request"
	headerAbortPercentage = "x-envoy-fault-abort-request-percentage"
	headerDelayDuration   = "x-envoy-fault-delay-request"
	headerDelayPercentage = "x-envoy-fault-delay-request-percentage"
)

const million = 1_000_000

// Config is the parsed fault filter configuration.
type Config struct {
	Delay *Delay
	Abort *Abort
	// MaxActiveFaults, when set, caps the number of faults this filter
	// instance may have in flight at once; beyond the cap, calls proceed
	// unharmed.
	MaxActiveFaults *uint32
}

// TypeURL implements httpfilter.FilterConfig.
func (Config) TypeURL() string {
	return TypeURL
}

// Delay describes the delay portion of a fault config.
type Delay struct {
	// Duration is the fixed delay to inject. Ignored when HeaderDelay is
	// set.
	Duration time.Duration
	// HeaderDelay takes the delay duration, in milliseconds, from the
	// request's delay header instead of Duration.
	HeaderDelay bool
	Percent     FractionalPercent
}

// Abort describes the abort portion of a fault config.
type Abort struct {
	// Status is the fixed status to fail calls with. Ignored when
	// HeaderAbort is set.
	Status *status.Status
	// HeaderAbort takes the abort status from the request's abort headers
	// instead of Status.
	HeaderAbort bool
	Percent     FractionalPercent
}

// FractionalPercent is the fraction of calls a fault applies to, expressed
// as Numerator out of the denominator's unit.
type FractionalPercent struct {
	Numerator   uint32
	Denominator Denominator
}

// Denominator scales a FractionalPercent numerator.
type Denominator int

const (
	DenominatorHundred Denominator = iota
	DenominatorTenThousand
	DenominatorMillion
)

// ratePerMillion normalizes the fraction to a rate out of one million,
// clamped at one million.
func (p FractionalPercent) ratePerMillion() int {
	numerator := int(p.Numerator)
	switch p.Denominator {
	case DenominatorTenThousand:
		numerator *= 100
	case DenominatorHundred:
		numerator *= 10_000
	case DenominatorMillion:
	}
	if numerator > million {
		numerator = million
	}
	return numerator
}

// NewFilter returns a fault filter drawing fire-or-not decisions from the
// given random source.
func NewFilter(random xdsresource.Random) httpfilter.Filter {
	return &filter{random: random}
}

type filter struct {
	random       xdsresource.Random
	activeFaults atomic.Int64
}

func (f *filter) TypeURLs() []string {
	return []string{TypeURL}
}

func (f *filter) ParseFilterConfig(cfg proto.Message) (httpfilter.FilterConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("fault: nil configuration message provided")
	}
	anyMsg, ok := cfg.(*anypb.Any)
	if !ok {
		return nil, fmt.Errorf("fault: error parsing config %v: unknown type %T", cfg, cfg)
	}
	msg := new(faultv3.HTTPFault)
	if err := anyMsg.UnmarshalTo(msg); err != nil {
		return nil, fmt.Errorf("fault: error parsing config %v: %w", cfg, err)
	}
	return parseHTTPFault(msg)
}

func (f *filter) ParseFilterConfigOverride(override proto.Message) (httpfilter.FilterConfig, error) {
	// Overrides replace the whole config, so their shape is identical.
	return f.ParseFilterConfig(override)
}

func (f *filter) IsTerminal() bool {
	return false
}

func parseHTTPFault(msg *faultv3.HTTPFault) (httpfilter.FilterConfig, error) {
	var parsed Config
	if delay := msg.GetDelay(); delay != nil {
		parsed.Delay = parseDelay(delay)
	}
	if abort := msg.GetAbort(); abort != nil {
		parsedAbort, err := parseAbort(abort)
		if err != nil {
			return nil, fmt.Errorf("fault: invalid abort config: %w", err)
		}
		parsed.Abort = parsedAbort
	}
	if msg.GetMaxActiveFaults() != nil {
		maxActiveFaults := msg.GetMaxActiveFaults().GetValue()
		parsed.MaxActiveFaults = &maxActiveFaults
	}
	return parsed, nil
}

func parseDelay(delay *commonfaultv3.FaultDelay) *Delay {
	parsed := &Delay{Percent: parsePercent(delay.GetPercentage())}
	if delay.GetHeaderDelay() != nil {
		parsed.HeaderDelay = true
	} else {
		parsed.Duration = delay.GetFixedDelay().AsDuration()
	}
	return parsed
}

func parseAbort(abort *faultv3.FaultAbort) (*Abort, error) {
	parsed := &Abort{Percent: parsePercent(abort.GetPercentage())}
	switch errorType := abort.GetErrorType().(type) {
	case *faultv3.FaultAbort_HeaderAbort_:
		parsed.HeaderAbort = true
	case *faultv3.FaultAbort_GrpcStatus:
		parsed.Status = status.New(codes.Code(errorType.GrpcStatus), "")
	case *faultv3.FaultAbort_HttpStatus:
		parsed.Status = abortStatusForHTTPCode(int(errorType.HttpStatus))
	default:
		return nil, fmt.Errorf("unknown error type: %T", errorType)
	}
	return parsed, nil
}

func parsePercent(percent *typev3.FractionalPercent) FractionalPercent {
	parsed := FractionalPercent{Numerator: percent.GetNumerator()}
	switch percent.GetDenominator() {
	case typev3.FractionalPercent_TEN_THOUSAND:
		parsed.Denominator = DenominatorTenThousand
	case typev3.FractionalPercent_MILLION:
		parsed.Denominator = DenominatorMillion
	case typev3.FractionalPercent_HUNDRED:
		parsed.Denominator = DenominatorHundred
	}
	return parsed
}

func abortStatusForHTTPCode(httpStatus int) *status.Status {
	return status.New(codes.Unimplemented, fmt.Sprintf("HTTP status code %d", httpStatus))
}

// BuildClientInterceptor decides, from the effective config and the request
// headers, whether this RPC gets a delay and/or an abort. Both decisions
// are made here, before the call starts, so that a mid-call config change
// cannot produce a half-applied fault.
func (f *filter) BuildClientInterceptor(config, override httpfilter.FilterConfig, info call.RPCInfo, scheduler httpfilter.Scheduler) call.Interceptor {
	if override != nil {
		config = override
	}
	faultConfig := config.(Config)
	var delay *time.Duration
	var abortStatus *status.Status
	if faultConfig.MaxActiveFaults == nil || f.activeFaults.Load() < int64(*faultConfig.MaxActiveFaults) {
		if faultConfig.Delay != nil {
			delay = f.determineDelay(faultConfig.Delay, info.Headers)
		}
		if faultConfig.Abort != nil {
			abortStatus = f.determineAbortStatus(faultConfig.Abort, info.Headers)
		}
	}
	if delay == nil && abortStatus == nil {
		return nil
	}
	return &interceptor{filter: f, scheduler: scheduler, delay: delay, abortStatus: abortStatus}
}

// determineDelay returns the delay to inject, or nil to leave the call
// alone. In header mode a missing or malformed duration header disables
// the delay entirely, and the percentage header can lower, never raise,
// the configured rate.
func (f *filter) determineDelay(delay *Delay, headers metadata.MD) *time.Duration {
	duration := delay.Duration
	percent := delay.Percent
	if delay.HeaderDelay {
		value, ok := headerString(headers, headerDelayDuration)
		if !ok {
			return nil
		}
		delayMillis, err := strconv.Atoi(value)
		if err != nil {
			return nil
		}
		duration = time.Duration(delayMillis) * time.Millisecond
		if percentValue, ok := headerString(headers, headerDelayPercentage); ok {
			headerPercent, err := strconv.Atoi(percentValue)
			if err != nil {
				return nil
			}
			if headerPercent >= 0 && headerPercent < int(percent.Numerator) {
				percent.Numerator = uint32(headerPercent)
			}
		}
	}
	if f.random.Intn(million) >= percent.ratePerMillion() {
		return nil
	}
	return &duration
}

// determineAbortStatus returns the status to fail the call with, or nil to
// leave the call alone. In header mode the HTTP status header wins over the
// grpc-status header, and with neither present no abort happens regardless
// of the draw.
func (f *filter) determineAbortStatus(abort *Abort, headers metadata.MD) *status.Status {
	abortStatus := abort.Status
	percent := abort.Percent
	if abort.HeaderAbort {
		abortStatus = nil
		if value, ok := headerString(headers, headerAbortHTTPStatus); ok {
			httpStatus, err := strconv.Atoi(value)
			if err != nil {
				return nil
			}
			abortStatus = abortStatusForHTTPCode(httpStatus)
		} else if value, ok := headerString(headers, headerAbortGRPCStatus); ok {
			grpcStatus, err := strconv.Atoi(value)
			if err != nil {
				return nil
			}
			abortStatus = status.New(codes.Code(grpcStatus), "")
		}
		if value, ok := headerString(headers, headerAbortPercentage); ok {
			headerPercent, err := strconv.Atoi(value)
			if err != nil {
				return nil
			}
			if headerPercent >= 0 && headerPercent < int(percent.Numerator) {
				percent.Numerator = uint32(headerPercent)
			}
		}
	}
	if f.random.Intn(million) >= percent.ratePerMillion() {
		return nil
	}
	return abortStatus
}

// headerString returns the last value of the named header, matching how
// a repeated fault control header is read.
func headerString(headers metadata.MD, name string) (string, bool) {
	values := headers.Get(name)
	if len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

type interceptor struct {
	filter      *filter
	scheduler   httpfilter.Scheduler
	delay       *time.Duration
	abortStatus *status.Status
}

func (i *interceptor) InterceptCall(method string, callOptions attribute.Values, next call.Channel) call.Call {
	if i.delay != nil {
		var newCall func() call.Call
		transferCount := i.abortStatus != nil
		if transferCount {
			// The delay phase hands its active fault count to the abort,
			// which releases it once the status is delivered.
			newCall = func() call.Call {
				return &failingCall{filter: i.filter, abortStatus: i.abortStatus, countHeld: true}
			}
		} else {
			newCall = func() call.Call {
				return next.NewCall(method, callOptions)
			}
		}
		return newDelayedCall(i.filter, i.scheduler, *i.delay, transferCount, newCall)
	}
	return &failingCall{filter: i.filter, abortStatus: i.abortStatus}
}

// delayedCall holds a call back until the injected delay elapses, then
// creates the underlying call and replays a buffered Start into it. The
// active fault count is taken when the delay is scheduled and released
// when the delay resolves, unless an abort follows and takes it over.
type delayedCall struct {
	filter        *filter
	newCall       func() call.Call
	transferCount bool
	stop          func() bool

	mu           sync.Mutex
	delegate     call.Call
	cancelled    bool
	cancelStatus *status.Status
	listener     call.Listener
	headers      metadata.MD
	started      bool
}

func newDelayedCall(f *filter, scheduler httpfilter.Scheduler, delay time.Duration, transferCount bool, newCall func() call.Call) *delayedCall {
	delayed := &delayedCall{filter: f, newCall: newCall, transferCount: transferCount}
	f.activeFaults.Add(1)
	delayed.stop = scheduler.AfterFunc(delay, delayed.delayElapsed)
	return delayed
}

func (c *delayedCall) delayElapsed() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	if !c.transferCount {
		c.filter.activeFaults.Add(-1)
	}
	delegate := c.newCall()
	c.delegate = delegate
	listener, headers, started := c.listener, c.headers, c.started
	c.mu.Unlock()
	if started {
		delegate.Start(listener, headers)
	}
}

func (c *delayedCall) Start(listener call.Listener, headers metadata.MD) {
	c.mu.Lock()
	if c.cancelled {
		cancelStatus := c.cancelStatus
		c.mu.Unlock()
		listener.OnClose(cancelStatus, metadata.MD{})
		return
	}
	if c.delegate != nil {
		delegate := c.delegate
		c.mu.Unlock()
		delegate.Start(listener, headers)
		return
	}
	c.listener = listener
	c.headers = headers
	c.started = true
	c.mu.Unlock()
}

func (c *delayedCall) Cancel(message string, cause error) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	if c.delegate != nil {
		delegate := c.delegate
		c.mu.Unlock()
		delegate.Cancel(message, cause)
		return
	}
	c.cancelled = true
	c.stop()
	c.cancelStatus = cancellationStatus(message, cause)
	listener, started := c.listener, c.started
	c.mu.Unlock()
	// Whether or not the stop won the race with the timer, the cancelled
	// flag keeps delayElapsed from acting, so the count is released here.
	c.filter.activeFaults.Add(-1)
	if started {
		listener.OnClose(c.cancelStatus, metadata.MD{})
	}
}

func cancellationStatus(message string, cause error) *status.Status {
	if cause != nil {
		return status.Newf(codes.Canceled, "%s: %v", message, cause)
	}
	return status.New(codes.Canceled, message)
}

// failingCall closes with the abort status as soon as it is started and
// never touches the network. It owns one active fault count from start
// until the status has been delivered, unless an elapsed delay already
// holds the count for it.
type failingCall struct {
	filter      *filter
	abortStatus *status.Status
	countHeld   bool

	mu   sync.Mutex
	done bool
}

func (c *failingCall) Start(listener call.Listener, _ metadata.MD) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	if !c.countHeld {
		c.filter.activeFaults.Add(1)
	}
	c.mu.Unlock()
	listener.OnClose(c.abortStatus, metadata.MD{})
	c.filter.activeFaults.Add(-1)
}

func (c *failingCall) Cancel(_ string, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	if c.countHeld {
		c.filter.activeFaults.Add(-1)
	}
}
