package policy

// Audience patterns support a single wildcard character: `*` matches any
// run of characters, including none and including separators. Audiences
// are opaque strings (often URLs), so path-style segment matching would
// be wrong here.

// matchGlob reports whether s matches pattern.
func matchGlob(pattern, s string) bool {
	// Iterative two-pointer match with backtracking over the last star.
	var (
		p, i      int
		starP     = -1
		starMatch int
	)
	for i < len(s) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			starP = p
			starMatch = i
			p++
		case p < len(pattern) && pattern[p] == s[i]:
			p++
			i++
		case starP >= 0:
			// Extend what the last star absorbed.
			starMatch++
			i = starMatch
			p = starP + 1
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// globsOverlap reports whether some string matches both patterns. Used
// at load time to reject ambiguous rule pairs.
func globsOverlap(a, b string) bool {
	type state struct{ i, j int }
	memo := make(map[state]bool)
	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		if i == len(a) && j == len(b) {
			return true
		}
		key := state{i, j}
		if v, ok := memo[key]; ok {
			return v
		}

		var ok bool
		switch {
		case i == len(a):
			// Only stars may remain in b.
			ok = b[j] == '*' && walk(i, j+1)
		case j == len(b):
			ok = a[i] == '*' && walk(i+1, j)
		case a[i] == '*' && b[j] == '*':
			ok = walk(i+1, j) || walk(i, j+1)
		case a[i] == '*':
			// Star absorbs b's next literal, or the star is done.
			ok = walk(i, j+1) || walk(i+1, j)
		case b[j] == '*':
			ok = walk(i+1, j) || walk(i, j+1)
		default:
			ok = a[i] == b[j] && walk(i+1, j+1)
		}

		memo[key] = ok
		return ok
	}
	return walk(0, 0)
}
