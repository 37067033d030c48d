// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package experiment_test

import (
	"math"
	"math/rand/v2"
	"net/http/httptest"
	"testing"

	. "codeberg.org/edgesplit/edgesplit/core/experiment"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		cookies     []string
		wantVariant Variant
		wantOK      bool
	}{
		{"No cookie header", nil, "", false},
		{"Marker A alone", []string{"X-Experiment-Name=A"}, VariantA, true},
		{"Marker B alone", []string{"X-Experiment-Name=B"}, VariantB, true},
		{"Marker A among other cookies", []string{"session=abc123; X-Experiment-Name=A; theme=dark"}, VariantA, true},
		{"Marker B among other cookies", []string{"session=abc123; X-Experiment-Name=B"}, VariantB, true},
		{"Unrelated cookies only", []string{"session=abc123; theme=dark"}, "", false},
		{"Empty header value", []string{""}, "", false},
		{"Malformed cookie data", []string{";;;===;;;"}, "", false},
		{"Wrong case is not recognized", []string{"x-experiment-name=a"}, "", false},
		{"Unknown variant value", []string{"X-Experiment-Name=C"}, "", false},
		{"A entry before B entry", []string{"X-Experiment-Name=A", "X-Experiment-Name=B"}, VariantA, true},
		{"B entry before A entry", []string{"X-Experiment-Name=B", "X-Experiment-Name=A"}, VariantB, true},
		{"Garbage entry before marker entry", []string{"not a cookie", "X-Experiment-Name=B"}, VariantB, true},
		{"A before B within one entry", []string{"X-Experiment-Name=A; X-Experiment-Name=B"}, VariantA, true},
		{"B before A within one entry", []string{"X-Experiment-Name=B; X-Experiment-Name=A"}, VariantB, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", "/some/page", nil)
			for _, entry := range tc.cookies {
				r.Header.Add("Cookie", entry)
			}

			assigner := &Assigner{}

			variant, ok := assigner.Classify(r)
			if ok != tc.wantOK || variant != tc.wantVariant {
				t.Errorf("Classify(%q) = (%q, %v), want (%q, %v)",
					tc.cookies, variant, ok, tc.wantVariant, tc.wantOK)
			}
		})
	}
}

func TestDecideHonorsExistingCookie(t *testing.T) {
	t.Parallel()

	for _, variant := range []Variant{VariantA, VariantB} {
		t.Run(string(variant), func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", "/", nil)
			r.Header.Add("Cookie", variant.Marker())

			drew := false
			assigner := &Assigner{Rand: func() float64 {
				drew = true

				return 0
			}}

			decision := assigner.Decide(r)

			if decision.Variant != variant || decision.Source != SourceCookie {
				t.Errorf("Decide() = %+v, want {%q %q}", decision, variant, SourceCookie)
			}

			if drew {
				t.Error("Decide() consumed randomness for an already assigned client")
			}
		})
	}
}

func TestDecideFreshAssignment(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		draw float64
		want Variant
	}{
		{"Zero draw", 0, VariantA},
		{"Just below the split", math.Nextafter(VariantAShare, 0), VariantA},
		{"Exactly the split", VariantAShare, VariantB},
		{"Above the split", 0.9, VariantB},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assigner := &Assigner{Rand: func() float64 { return tc.draw }}

			decision := assigner.Decide(httptest.NewRequest("GET", "/", nil))

			if decision.Variant != tc.want || decision.Source != SourceRandom {
				t.Errorf("Decide() with draw %v = %+v, want {%q %q}", tc.draw, decision, tc.want, SourceRandom)
			}
		})
	}
}

// TestAssignmentIsSticky feeds a fresh assignment's Set-Cookie value back in
// as the next request's cookie and expects the same variant with no redraw.
func TestAssignmentIsSticky(t *testing.T) {
	t.Parallel()

	for _, draw := range []float64{0, 0.99} {
		assigner := &Assigner{Rand: func() float64 { return draw }}

		first := assigner.Decide(httptest.NewRequest("GET", "/", nil))
		if first.Source != SourceRandom {
			t.Fatalf("first Decide() source = %q, want %q", first.Source, SourceRandom)
		}

		next := httptest.NewRequest("GET", "/other/page", nil)
		next.Header.Add("Cookie", Cookie(first.Variant).String())

		second := assigner.Decide(next)

		if second.Variant != first.Variant || second.Source != SourceCookie {
			t.Errorf("replayed Decide() = %+v, want {%q %q}", second, first.Variant, SourceCookie)
		}
	}
}

func TestCookieSerializesToMarker(t *testing.T) {
	t.Parallel()

	for _, variant := range []Variant{VariantA, VariantB} {
		if got := Cookie(variant).String(); got != variant.Marker() {
			t.Errorf("Cookie(%q).String() = %q, want the exact marker %q", variant, got, variant.Marker())
		}
	}
}

func TestLocations(t *testing.T) {
	t.Parallel()

	if got := VariantA.Location(); got != "/" {
		t.Errorf("VariantA.Location() = %q, want %q", got, "/")
	}

	if got := VariantB.Location(); got != "/blue/" {
		t.Errorf("VariantB.Location() = %q, want %q", got, "/blue/")
	}
}

// TestAssignmentDistribution checks that fresh assignments converge on the
// 75/25 split. The source is seeded, so the observed fraction is stable
// across runs; the tolerance still leaves room at five standard errors.
func TestAssignmentDistribution(t *testing.T) {
	t.Parallel()

	const samples = 200_000

	source := rand.New(rand.NewPCG(17, 29))
	assigner := &Assigner{Rand: source.Float64}

	countA := 0

	for range samples {
		if assigner.Decide(httptest.NewRequest("GET", "/", nil)).Variant == VariantA {
			countA++
		}
	}

	fraction := float64(countA) / samples
	if diff := math.Abs(fraction - VariantAShare); diff > 0.005 {
		t.Errorf("fraction assigned A = %.4f, want %.2f ± 0.005", fraction, VariantAShare)
	}
}
