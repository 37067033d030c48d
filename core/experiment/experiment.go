// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
Package experiment implements bucket assignment for the A/B deployment split.

A client's assignment lives entirely in its cookie jar: requests carrying a
recognized marker pass through unchanged, everything else is assigned by a
single uniform draw. The decision path never fails; malformed cookie data is
simply the unassigned case.
*/
package experiment

import (
	"math/rand/v2"
	"net/http"
	"strings"

	"codeberg.org/edgesplit/edgesplit/core/cookie"
)

// Variant identifies which content deployment a client is assigned to.
type Variant string

// The two content deployments.
const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

// VariantAShare is the fraction of fresh assignments that land on variant A.
// A policy constant, deliberately not configurable at runtime.
const VariantAShare = 0.75

// Marker returns the exact cookie substring that encodes an assignment to v.
// Recognition is a case-sensitive match on this literal, so it must stay
// byte-identical to what Cookie serializes.
func (v Variant) Marker() string {
	return string(cookie.ExperimentCookie) + "=" + string(v)
}

// Location returns the path clients are redirected into for v.
func (v Variant) Location() string {
	if v == VariantB {
		return "/blue/"
	}

	return "/"
}

// Source records how a decision was reached.
type Source string

// Decision sources.
const (
	// SourceCookie means a recognized marker was already present.
	SourceCookie Source = "existing-cookie"

	// SourceRandom means the client was freshly assigned by a uniform draw.
	SourceRandom Source = "random"
)

// Decision is the per-request assignment outcome. It is derived, never
// persisted; stickiness is enforced by the client re-sending its cookie.
type Decision struct {
	Variant Variant
	Source  Source
}

// Assigner decides variant assignments for incoming requests.
//
// Rand must return uniform values in [0, 1). A nil Rand uses math/rand/v2;
// tests inject deterministic sequences to drive both sides of the split.
type Assigner struct {
	Rand func() float64
}

// Default is the process-wide assigner backed by math/rand/v2.
var Default = &Assigner{}

// Classify scans the request's Cookie headers for an assignment marker.
//
// Header entries are scanned in order and the first recognized marker wins;
// remaining entries are ignored. Within a single entry containing both
// markers, the one at the lower byte offset wins. Matching is a raw substring
// check on the unparsed header value: assigned clients send the cookie
// without attributes and downstream layers match on the same literal, so no
// cookie parsing is involved and no input shape can fail the scan.
func (a *Assigner) Classify(r *http.Request) (Variant, bool) {
	for _, entry := range r.Header.Values("Cookie") {
		idxA := strings.Index(entry, VariantA.Marker())
		idxB := strings.Index(entry, VariantB.Marker())

		switch {
		case idxA >= 0 && (idxB < 0 || idxA < idxB):
			return VariantA, true
		case idxB >= 0:
			return VariantB, true
		}
	}

	return "", false
}

// Decide returns the assignment decision for a request.
//
// A recognized marker is honored as-is; the handler never re-randomizes an
// assigned client. Otherwise one uniform draw in [0, 1) assigns VariantA
// below VariantAShare and VariantB at or above it.
func (a *Assigner) Decide(r *http.Request) Decision {
	if variant, ok := a.Classify(r); ok {
		return Decision{Variant: variant, Source: SourceCookie}
	}

	return Decision{Variant: a.draw(), Source: SourceRandom}
}

func (a *Assigner) draw() Variant {
	random := a.Rand
	if random == nil {
		random = rand.Float64
	}

	if random() < VariantAShare {
		return VariantA
	}

	return VariantB
}

// Cookie returns the assignment cookie for v.
//
// The cookie deliberately carries no Path, Max-Age, or other attributes: the
// serialized Set-Cookie header must be byte-exactly the marker literal, and
// the assignment stays session-scoped.
func Cookie(v Variant) *http.Cookie {
	return &http.Cookie{
		Name:  string(cookie.ExperimentCookie),
		Value: string(v),
	}
}
