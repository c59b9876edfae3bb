//go:build property
// +build property

package scope_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/handoff-labs/handoff/pkg/scope"
)

// TestDownscopeMonotonicity verifies a granted set never exceeds any input.
// Property: Downscope(r, s, c) ⊆ r ∧ ⊆ s ∧ ⊆ c whenever it succeeds.
func TestDownscopeMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Granted scopes are a subset of every input", prop.ForAll(
		func(requested, subject, ceiling []string) bool {
			r := scope.New(requested...)
			s := scope.New(subject...)
			c := scope.New(ceiling...)

			granted, err := scope.Downscope(r, s, c)
			if err != nil {
				return errors.Is(err, scope.ErrNoViableScope)
			}
			return granted.SubsetOf(r) && granted.SubsetOf(s) && granted.SubsetOf(c)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestDownscopeDeterminism verifies repeated downscoping yields identical sets.
func TestDownscopeDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Downscoping is deterministic", prop.ForAll(
		func(requested, subject, ceiling []string) bool {
			r := scope.New(requested...)
			s := scope.New(subject...)
			c := scope.New(ceiling...)

			g1, err1 := scope.Downscope(r, s, c)
			g2, err2 := scope.Downscope(r, s, c)

			if (err1 == nil) != (err2 == nil) {
				return false
			}
			if err1 != nil {
				return true
			}
			return g1.Equal(g2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestDownscopeIdempotency verifies narrowing an already narrowed set is a no-op.
// Property: Downscope(g, s, c) == g where g = Downscope(r, s, c).
func TestDownscopeIdempotency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Downscoping is idempotent", prop.ForAll(
		func(requested, subject, ceiling []string) bool {
			r := scope.New(requested...)
			s := scope.New(subject...)
			c := scope.New(ceiling...)

			g1, err := scope.Downscope(r, s, c)
			if err != nil {
				return true
			}
			g2, err := scope.Downscope(g1, s, c)
			if err != nil {
				return false
			}
			return g1.Equal(g2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestParseStringRoundTrip verifies the canonical form survives re-parsing.
func TestParseStringRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Parse(s.String()) == s", prop.ForAll(
		func(scopes []string) bool {
			s := scope.New(scopes...)
			return scope.Parse(s.String()).Equal(s)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
