// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Make returns a short request ID: a 6 character wall-clock part for eyeball
// correlation with logs, followed by 4 bytes of entropy.
func Make() string {
	var entropy [4]byte

	_, _ = rand.Read(entropy[:])

	return timePart(time.Now()) + base64.RawURLEncoding.EncodeToString(entropy[:])
}

func timePart(t time.Time) string {
	return t.Format("150405")
}
