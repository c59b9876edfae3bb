package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoff-labs/handoff/pkg/actorchain"
	"github.com/handoff-labs/handoff/pkg/scope"
	"github.com/handoff-labs/handoff/pkg/token"
)

const demoRules = `
version: 1
rules:
  - actor_id: orchestrator
    subject_audience: orchestrator
    target_audience: hr-agent
    max_scopes: [hr:read, hr:write]
  - actor_id: orchestrator
    subject_audience: orchestrator
    target_audience: it-agent
    max_scopes: [it:read]
  - actor_id: hr-agent
    subject_audience: hr-agent
    target_audience: hr-api
    max_scopes: [hr:read]
`

func subjectToken(aud string, scopes scope.Set, chainActors ...string) *token.Token {
	var chain *actorchain.Chain
	for _, a := range chainActors {
		chain, _ = actorchain.Append(chain, a, 0)
	}
	return &token.Token{
		ID:        "jti-test",
		Subject:   "alice",
		Audience:  aud,
		Scopes:    scopes,
		Chain:     chain,
		IssuedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
	}
}

func TestParse(t *testing.T) {
	rs, err := Parse([]byte(demoRules))
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Len())

	rules := rs.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "orchestrator", rules[0].ActorID)
	assert.Equal(t, "hr-agent", rules[0].TargetAudience)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"Missing Version": `
rules:
  - actor_id: a
    subject_audience: a
    target_audience: b
    max_scopes: [x]
`,
		"Wrong Version": `
version: 2
rules:
  - actor_id: a
    subject_audience: a
    target_audience: b
    max_scopes: [x]
`,
		"Empty Rules": `
version: 1
rules: []
`,
		"Missing Scopes": `
version: 1
rules:
  - actor_id: a
    subject_audience: a
    target_audience: b
`,
		"Unknown Field": `
version: 1
rules:
  - actor_id: a
    subject_audience: a
    target_audience: b
    max_scopes: [x]
    surprise: true
`,
		"Not YAML": `{{{`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidRules)
		})
	}
}

func TestParseRejectsBadConditions(t *testing.T) {
	_, err := Parse([]byte(`
version: 1
rules:
  - actor_id: a
    subject_audience: a
    target_audience: b
    max_scopes: [x]
    condition: "this is not cel ((("
`))
	require.ErrorIs(t, err, ErrInvalidRules)

	t.Run("Non Bool Condition", func(t *testing.T) {
		_, err := Parse([]byte(`
version: 1
rules:
  - actor_id: a
    subject_audience: a
    target_audience: b
    max_scopes: [x]
    condition: "chain_depth + 1"
`))
		require.ErrorIs(t, err, ErrInvalidRules)
	})
}

func TestAmbiguityDetection(t *testing.T) {
	t.Run("Duplicate Triple", func(t *testing.T) {
		_, err := Parse([]byte(`
version: 1
rules:
  - actor_id: orchestrator
    subject_audience: orchestrator
    target_audience: hr-agent
    max_scopes: [hr:read]
  - actor_id: orchestrator
    subject_audience: orchestrator
    target_audience: hr-agent
    max_scopes: [hr:write]
`))
		require.ErrorIs(t, err, ErrRuleConflict)
	})

	t.Run("Overlapping Globs", func(t *testing.T) {
		_, err := Parse([]byte(`
version: 1
rules:
  - actor_id: orchestrator
    subject_audience: "hr-*"
    target_audience: hr-api
    max_scopes: [hr:read]
  - actor_id: orchestrator
    subject_audience: "*-agent"
    target_audience: hr-api
    max_scopes: [hr:write]
`))
		require.ErrorIs(t, err, ErrRuleConflict)
	})

	t.Run("Disjoint Globs Are Fine", func(t *testing.T) {
		rs, err := Parse([]byte(`
version: 1
rules:
  - actor_id: orchestrator
    subject_audience: "hr-*"
    target_audience: api
    max_scopes: [hr:read]
  - actor_id: orchestrator
    subject_audience: "it-*"
    target_audience: api
    max_scopes: [it:read]
`))
		require.NoError(t, err)
		assert.Equal(t, 2, rs.Len())
	})

	t.Run("Same Pattern Different Target Is Fine", func(t *testing.T) {
		rs, err := Parse([]byte(demoRules))
		require.NoError(t, err)
		assert.Equal(t, 3, rs.Len())
	})
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	rs, err := Parse([]byte(demoRules))
	require.NoError(t, err)

	t.Run("Allows Matching Rule", func(t *testing.T) {
		dec, err := rs.Check(ctx, CheckInput{
			Actor:           "orchestrator",
			Subject:         subjectToken("orchestrator", scope.New("hr:read", "hr:write", "it:read")),
			TargetAudience:  "hr-agent",
			RequestedScopes: scope.New("hr:read", "hr:write"),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, dec.RuleIndex)
		assert.Equal(t, "hr:read hr:write", dec.Ceiling.String())
		assert.Contains(t, dec.Hash, "sha256:")
	})

	t.Run("Denies Unknown Actor", func(t *testing.T) {
		_, err := rs.Check(ctx, CheckInput{
			Actor:          "rogue-agent",
			Subject:        subjectToken("orchestrator", scope.New("hr:read")),
			TargetAudience: "hr-agent",
		})
		require.ErrorIs(t, err, ErrDenied)
	})

	t.Run("Denies Unknown Target", func(t *testing.T) {
		_, err := rs.Check(ctx, CheckInput{
			Actor:          "orchestrator",
			Subject:        subjectToken("orchestrator", scope.New("hr:read")),
			TargetAudience: "finance-agent",
		})
		require.ErrorIs(t, err, ErrDenied)
	})

	t.Run("Denies Wrong Subject Audience", func(t *testing.T) {
		_, err := rs.Check(ctx, CheckInput{
			Actor:          "hr-agent",
			Subject:        subjectToken("it-agent", scope.New("hr:read")),
			TargetAudience: "hr-api",
		})
		require.ErrorIs(t, err, ErrDenied)
	})

	t.Run("Nil Subject Denied", func(t *testing.T) {
		_, err := rs.Check(ctx, CheckInput{Actor: "orchestrator", TargetAudience: "hr-agent"})
		require.ErrorIs(t, err, ErrDenied)
	})
}

func TestCheckConditions(t *testing.T) {
	ctx := context.Background()

	rs, err := Parse([]byte(`
version: 1
rules:
  - actor_id: orchestrator
    subject_audience: orchestrator
    target_audience: hr-agent
    max_scopes: [hr:read, hr:write]
    condition: "chain_depth < 2 && !('admin:all' in requested_scopes)"
`))
	require.NoError(t, err)

	t.Run("Condition True", func(t *testing.T) {
		dec, err := rs.Check(ctx, CheckInput{
			Actor:           "orchestrator",
			Subject:         subjectToken("orchestrator", scope.New("hr:read"), "orchestrator"),
			TargetAudience:  "hr-agent",
			RequestedScopes: scope.New("hr:read"),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, dec.RuleIndex)
	})

	t.Run("Condition False Denies", func(t *testing.T) {
		_, err := rs.Check(ctx, CheckInput{
			Actor:           "orchestrator",
			Subject:         subjectToken("orchestrator", scope.New("hr:read"), "a", "b", "c"),
			TargetAudience:  "hr-agent",
			RequestedScopes: scope.New("hr:read"),
		})
		require.ErrorIs(t, err, ErrDenied)
	})

	t.Run("Runtime Error Denies", func(t *testing.T) {
		rs, err := Parse([]byte(`
version: 1
rules:
  - actor_id: a
    subject_audience: a
    target_audience: b
    max_scopes: [x]
    condition: "1 / (chain_depth - chain_depth) == 1"
`))
		require.NoError(t, err)

		_, err = rs.Check(ctx, CheckInput{
			Actor:           "a",
			Subject:         subjectToken("a", scope.New("x")),
			TargetAudience:  "b",
			RequestedScopes: scope.New("x"),
		})
		require.ErrorIs(t, err, ErrDenied)
	})
}

func TestDecisionDeterminism(t *testing.T) {
	ctx := context.Background()
	rs, err := Parse([]byte(demoRules))
	require.NoError(t, err)

	in := CheckInput{
		Actor:           "orchestrator",
		Subject:         subjectToken("orchestrator", scope.New("hr:read", "hr:write")),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	}

	d1, err := rs.Check(ctx, in)
	require.NoError(t, err)
	d2, err := rs.Check(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, d1.RuleIndex, d2.RuleIndex)
	assert.True(t, d1.Ceiling.Equal(d2.Ceiling))
	assert.Equal(t, d1.Hash, d2.Hash)
}
