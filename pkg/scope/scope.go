// Package scope implements OAuth scope set algebra and the downscoping
// rule applied at every delegation hop: a hop may only narrow the scopes
// it inherited, never widen them.
package scope

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// ErrNoViableScope indicates the downscoping intersection came up empty.
// The exchange must fail rather than issue a token with no permissions.
var ErrNoViableScope = errors.New("no viable scope after downscoping")

// Set is an immutable set of OAuth scope strings. The zero value is the
// empty set. Operations return new Sets; the receiver is never modified.
type Set struct {
	members []string // sorted, deduplicated
}

// New builds a Set from individual scope strings. Empty strings are
// dropped, duplicates collapse.
func New(scopes ...string) Set {
	return build(scopes)
}

// Parse builds a Set from a space-delimited scope string as carried in
// the `scope` claim and the RFC 8693 scope parameter.
func Parse(s string) Set {
	return build(strings.Fields(s))
}

func build(scopes []string) Set {
	if len(scopes) == 0 {
		return Set{}
	}
	seen := make(map[string]struct{}, len(scopes))
	members := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		sc = strings.TrimSpace(sc)
		if sc == "" {
			continue
		}
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		members = append(members, sc)
	}
	sort.Strings(members)
	return Set{members: members}
}

// Len returns the number of scopes in the set.
func (s Set) Len() int { return len(s.members) }

// IsEmpty reports whether the set has no scopes.
func (s Set) IsEmpty() bool { return len(s.members) == 0 }

// Contains reports whether the set includes the given scope.
func (s Set) Contains(scope string) bool {
	i := sort.SearchStrings(s.members, scope)
	return i < len(s.members) && s.members[i] == scope
}

// ContainsAll reports whether every scope in other is present in s.
func (s Set) ContainsAll(other Set) bool {
	for _, sc := range other.members {
		if !s.Contains(sc) {
			return false
		}
	}
	return true
}

// SubsetOf reports whether s is a subset of other.
func (s Set) SubsetOf(other Set) bool {
	return other.ContainsAll(s)
}

// Equal reports whether both sets hold exactly the same scopes.
func (s Set) Equal(other Set) bool {
	if len(s.members) != len(other.members) {
		return false
	}
	for i, sc := range s.members {
		if other.members[i] != sc {
			return false
		}
	}
	return true
}

// Intersect returns the scopes present in both sets.
func (s Set) Intersect(other Set) Set {
	if s.IsEmpty() || other.IsEmpty() {
		return Set{}
	}
	members := make([]string, 0, min(len(s.members), len(other.members)))
	for _, sc := range s.members {
		if other.Contains(sc) {
			members = append(members, sc)
		}
	}
	return Set{members: members}
}

// Union returns the scopes present in either set.
func (s Set) Union(other Set) Set {
	return build(append(append([]string{}, s.members...), other.members...))
}

// Slice returns the scopes in sorted order. The returned slice is a copy.
func (s Set) Slice() []string {
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

// String renders the canonical space-delimited form, sorted.
func (s Set) String() string {
	return strings.Join(s.members, " ")
}

// MarshalJSON renders the canonical space-delimited form.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the space-delimited string form or a
// JSON array of scope strings; identity providers ship both.
func (s *Set) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = Parse(str)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = New(list...)
	return nil
}

// Downscope computes the scopes a delegated token may carry: the
// three-way intersection of what the caller requested, what the subject
// token holds, and what policy permits for the target. An empty result
// returns ErrNoViableScope; issuing a token with no permissions is
// never useful and usually signals a misconfigured request.
func Downscope(requested, subject, ceiling Set) (Set, error) {
	granted := requested.Intersect(subject).Intersect(ceiling)
	if granted.IsEmpty() {
		return Set{}, ErrNoViableScope
	}
	return granted, nil
}
