package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"hr-agent", "hr-agent", true},
		{"hr-agent", "it-agent", false},
		{"hr-*", "hr-agent", true},
		{"hr-*", "hr-", true},
		{"hr-*", "it-agent", false},
		{"*", "anything", true},
		{"*", "", true},
		{"", "", true},
		{"", "x", false},
		{"*-agent", "hr-agent", true},
		{"*-agent", "agent", false},
		{"https://*.example.com", "https://api.example.com", true},
		{"https://*.example.com", "https://api.example.org", false},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "abc", true},
		{"a*b*c", "acb", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, matchGlob(c.pattern, c.s), "pattern %q vs %q", c.pattern, c.s)
	}
}

func TestGlobsOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"hr-agent", "hr-agent", true},
		{"hr-agent", "it-agent", false},
		{"hr-*", "hr-agent", true},
		{"hr-*", "it-*", false},
		{"hr-*", "*-agent", true}, // both match "hr-agent"
		{"*", "anything", true},
		{"*", "*", true},
		{"a*c", "ab", false},
		{"a*c", "abc", true},
		{"*x", "y*", true}, // both match "yx"
		{"", "*", true},
		{"", "a", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, globsOverlap(c.a, c.b), "%q vs %q", c.a, c.b)
		assert.Equal(t, c.want, globsOverlap(c.b, c.a), "%q vs %q reversed", c.b, c.a)
	}
}
