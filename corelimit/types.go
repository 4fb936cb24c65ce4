/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package corelimit is a distributed, domain-scoped rate limiting core:
// given a descriptor chain attached to a request, it resolves the most
// specific configured limit, atomically accounts for the request against a
// shared backing store, and reports whether the request should be allowed.
//
// It implements the core decision logic behind services compatible with
// Envoy's external rate limit protocol, without depending on gRPC or any
// particular wire transport: callers adapt their own transport's request
// shape into a Request and their own response shape from a Response.
package corelimit

import (
	"time"

	"github.com/acronis/go-ratelimit/corelimit/configcompile"
)

// Unit, DescriptorEntry, Descriptor and Limit are the domain vocabulary
// shared by every subpackage. They are defined in configcompile (a leaf
// package with no dependency on corelimit) and re-exported here so callers
// only need to import this one package.
type (
	Unit            = configcompile.Unit
	DescriptorEntry = configcompile.DescriptorEntry
	Descriptor      = configcompile.Descriptor
	Limit           = configcompile.Limit
)

// Rate limit time units.
const (
	UnitSecond = configcompile.UnitSecond
	UnitMinute = configcompile.UnitMinute
	UnitHour   = configcompile.UnitHour
	UnitDay    = configcompile.UnitDay
)

// Code is the per-descriptor verdict, mirroring the external rate limit
// protocol's per-descriptor status code.
type Code int

// Supported codes.
const (
	CodeOK Code = iota
	CodeOverLimit
)

// String implements fmt.Stringer.
func (c Code) String() string {
	if c == CodeOverLimit {
		return "OVER_LIMIT"
	}
	return "OK"
}

// OverallCode is the aggregate verdict across every descriptor in a Request:
// OVER_LIMIT if any one descriptor is OVER_LIMIT, OK otherwise.
type OverallCode = Code

// Request is one rate limit check: a domain plus the list of descriptor
// chains to evaluate, each representing one dimension a caller wants
// accounted for independently.
type Request struct {
	Domain      string
	Descriptors []Descriptor

	// HitsAddend is the number of hits this request represents, applied
	// uniformly to every descriptor in Descriptors. Service.ShouldRateLimit
	// treats 0 as 1, so every call through Service increments the counters.
	HitsAddend uint32
}

// DescriptorStatus is the per-descriptor result of a ShouldRateLimit call.
type DescriptorStatus struct {
	Code               Code
	CurrentLimit       *Limit
	LimitRemaining     uint32
	DurationUntilReset time.Duration
}

// Response is the result of a ShouldRateLimit call.
type Response struct {
	OverallCode OverallCode
	Statuses    []DescriptorStatus
}
