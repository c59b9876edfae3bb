//go:build property
// +build property

package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/handoff-labs/handoff/pkg/exchange"
	"github.com/handoff-labs/handoff/pkg/issuer"
	"github.com/handoff-labs/handoff/pkg/policy"
	"github.com/handoff-labs/handoff/pkg/scope"
	"github.com/handoff-labs/handoff/pkg/token"
)

// A fixed three-hop delegation topology with progressively tighter
// ceilings. The randomness lives in the subject's scopes and in what
// each hop asks for; the invariants must hold for every combination.
const propertyRules = `
version: 1
rules:
  - actor_id: orchestrator
    subject_audience: all-agents
    target_audience: agent-1
    max_scopes: [doc:read, doc:write, mail:send]
  - actor_id: agent-1
    subject_audience: agent-1
    target_audience: agent-2
    max_scopes: [doc:read, mail:send]
  - actor_id: agent-2
    subject_audience: agent-2
    target_audience: agent-3
    max_scopes: [doc:read]
`

var hopCeilings = []scope.Set{
	scope.New("doc:read", "doc:write", "mail:send"),
	scope.New("doc:read", "mail:send"),
	scope.New("doc:read"),
}

func genScopeSubset() gopter.Gen {
	return gen.SliceOf(gen.OneConstOf("doc:read", "doc:write", "mail:send", "cal:read"))
}

// genSubjectScopes never yields an empty set: a subject token with no
// scopes at all cannot be minted in the first place.
func genSubjectScopes() gopter.Gen {
	return genScopeSubset().SuchThat(func(s []string) bool { return len(s) > 0 })
}

func TestExchangeChainProperties(t *testing.T) {
	epoch := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return epoch }
	ctx := context.Background()

	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := token.NewCodec(ks, token.CodecConfig{Issuer: "https://idp.test", Now: clock})
	rules, err := policy.Parse([]byte(propertyRules))
	require.NoError(t, err)

	engine, err := exchange.New(exchange.Config{
		Verifier: codec,
		Policy:   rules,
		Issuer:   issuer.NewLocal(codec),
		SelfID:   "orchestrator",
		Now:      clock,
	})
	require.NoError(t, err)

	actorTokens := make([]string, 0, 2)
	for _, agent := range []string{"agent-1", "agent-2"} {
		raw, err := codec.Issue(ctx, token.IssueParams{
			Subject:  agent,
			Audience: "handoff",
			Scopes:   scope.New("exchange"),
		})
		require.NoError(t, err)
		actorTokens = append(actorTokens, raw)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("subject survives and scopes only narrow across hops", prop.ForAll(
		func(subjectScopes, req1, req2, req3 []string) bool {
			subjectSet := scope.New(subjectScopes...)
			subjectToken, err := codec.Issue(ctx, token.IssueParams{
				Subject:  "alice",
				Audience: "all-agents",
				Scopes:   subjectSet,
			})
			if err != nil {
				return false
			}

			requests := []scope.Set{scope.New(req1...), scope.New(req2...), scope.New(req3...)}
			carried := subjectSet
			currentToken := subjectToken
			wantChainDepth := 0

			for hop := 0; hop < 3; hop++ {
				req := exchange.Request{
					SubjectToken:    currentToken,
					TargetAudience:  fmt.Sprintf("agent-%d", hop+1),
					RequestedScopes: requests[hop],
				}
				if hop > 0 {
					req.ActorToken = actorTokens[hop-1]
				}

				// What the engine must grant: requested (or all carried
				// scopes when the request is silent) meets carried meets
				// the hop's ceiling.
				asked := requests[hop]
				if asked.IsEmpty() {
					asked = carried
				}
				want := asked.Intersect(carried).Intersect(hopCeilings[hop])

				grant, err := engine.Exchange(ctx, req)
				if err != nil {
					// The only legitimate failure here is an empty
					// intersection; anything else breaks the property.
					return errors.Is(err, exchange.ErrNoViableScope) && want.IsEmpty()
				}
				if want.IsEmpty() {
					return false // an empty intersection must never grant
				}

				wantChainDepth++
				if grant.Subject != "alice" {
					return false
				}
				if !grant.Scopes.Equal(want) {
					return false
				}
				if !grant.Scopes.SubsetOf(carried) {
					return false
				}
				if grant.Chain.Depth() != wantChainDepth {
					return false
				}

				carried = grant.Scopes
				currentToken = grant.AccessToken
			}
			return true
		},
		genSubjectScopes(), genScopeSubset(), genScopeSubset(), genScopeSubset(),
	))

	properties.TestingRun(t)
}
