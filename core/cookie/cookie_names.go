// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
This package defines the cookie names used by this application.
*/
package cookie

type CookieName string

// Cookie names defined as constants.
//
// NOTE: ExperimentCookie is part of the assignment contract with the origin:
// downstream layers match on the exact serialized `X-Experiment-Name=A` /
// `X-Experiment-Name=B` pair, so the name must never change independently.
const (
	// ExperimentCookie carries a client's variant assignment.
	ExperimentCookie CookieName = "X-Experiment-Name"
)

// AllCookieNames defines all cookies that can be set on clients.
var AllCookieNames = []CookieName{
	ExperimentCookie,
}
