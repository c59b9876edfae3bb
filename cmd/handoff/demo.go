package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/handoff-labs/handoff/pkg/audit"
	"github.com/handoff-labs/handoff/pkg/exchange"
	"github.com/handoff-labs/handoff/pkg/issuer"
	"github.com/handoff-labs/handoff/pkg/policy"
	"github.com/handoff-labs/handoff/pkg/scope"
	"github.com/handoff-labs/handoff/pkg/session"
	"github.com/handoff-labs/handoff/pkg/token"
)

// demoRules describe an employee onboarding deployment: the
// orchestrator may delegate to the hr and it agents, and the hr agent
// may reach its backing API with read access only.
const demoRules = `
version: 1
rules:
  - actor_id: orchestrator
    subject_audience: all-agents
    target_audience: hr-agent
    max_scopes: [hr:read, hr:write]
  - actor_id: orchestrator
    subject_audience: all-agents
    target_audience: it-agent
    max_scopes: [it:read, it:write]
  - actor_id: hr-agent
    subject_audience: hr-agent
    target_audience: hr-api
    max_scopes: [hr:read]
`

func runDemo(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var jsonOut bool
	cmd.BoolVar(&jsonOut, "json", false, "Print the final grant as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if err := demoFlow(stdout, jsonOut); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// demoFlow runs a complete two-hop delegation in-process: an employee's
// token is exchanged by the orchestrator for an hr-agent token, which
// the hr agent exchanges again to reach hr-api. No network, no external
// issuer; everything else is the production path.
func demoFlow(out io.Writer, jsonOut bool) error {
	ctx := context.Background()

	keys, err := token.NewInMemoryKeySet()
	if err != nil {
		return err
	}
	codec := token.NewCodec(keys, token.CodecConfig{Issuer: "https://idp.demo"})

	rules, err := policy.Parse([]byte(demoRules))
	if err != nil {
		return err
	}

	tracker := session.NewTracker(session.TrackerConfig{})
	auditor := audit.NewMemory()

	engine, err := exchange.New(exchange.Config{
		Verifier: codec,
		Policy:   rules,
		Issuer:   issuer.NewLocal(codec),
		SelfID:   "orchestrator",
		Sessions: tracker,
		Audit:    auditor,
		TTL:      5 * time.Minute,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%sEmployee onboarding delegation%s\n", colorBold+colorBlue, colorReset)
	fmt.Fprintf(out, "%salice's token flows orchestrator -> hr-agent -> hr-api, narrowing at each hop.%s\n\n", colorGray, colorReset)

	// The token alice's login session holds: addressed to the agent
	// fleet as a whole, carrying everything she may do.
	employeeToken, err := codec.Issue(ctx, token.IssueParams{
		Subject:  "alice",
		Audience: "all-agents",
		Scopes:   scope.New("hr:read", "hr:write", "it:read"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%sSUBJECT%s  alice@all-agents  scopes: hr:read hr:write it:read\n\n", colorBold+colorCyan, colorReset)

	sessionID, err := tracker.Begin(ctx, "alice")
	if err != nil {
		return err
	}

	hop1, err := engine.Exchange(ctx, exchange.Request{
		SubjectToken:    employeeToken,
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read", "hr:write", "it:read"),
		SessionID:       sessionID,
	})
	if err != nil {
		return fmt.Errorf("hop 1: %w", err)
	}
	printHop(out, 1, "orchestrator", "hr-agent", hop1)

	// The hr agent proves its own identity with a client-credentials
	// token, then narrows alice's grant down to what hr-api permits.
	hrAgentToken, err := codec.Issue(ctx, token.IssueParams{
		Subject:  "hr-agent",
		Audience: "handoff",
		Scopes:   scope.New("exchange"),
	})
	if err != nil {
		return err
	}

	hop2, err := engine.Exchange(ctx, exchange.Request{
		SubjectToken:    hop1.AccessToken,
		ActorToken:      hrAgentToken,
		TargetAudience:  "hr-api",
		RequestedScopes: scope.New("hr:read", "hr:write"),
		SessionID:       sessionID,
	})
	if err != nil {
		return fmt.Errorf("hop 2: %w", err)
	}
	printHop(out, 2, "hr-agent", "hr-api", hop2)

	// What hr-api would do on arrival: verify, then check audience and
	// scope before touching anything.
	final, err := codec.Verify(ctx, hop2.AccessToken)
	if err != nil {
		return fmt.Errorf("final verification: %w", err)
	}
	if err := final.RequireAudience("hr-api"); err != nil {
		return err
	}
	if err := final.RequireScopes(scope.New("hr:read")); err != nil {
		return err
	}
	fmt.Fprintf(out, "%sVERIFIED%s hr-api accepts the token: subject alice, chain [%s]\n\n",
		colorBold+colorGreen, colorReset, strings.Join(final.Chain.Flatten(), " <- "))

	records, err := tracker.Chain(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%sSESSION%s  %s\n", colorBold+colorCyan, colorReset, sessionID)
	for _, r := range records {
		fmt.Fprintf(out, "  #%d  %s -> %s  scopes: %s\n", r.Sequence, r.Actor, r.Audience, strings.Join(r.Scopes, " "))
	}
	if err := tracker.VerifyChain(ctx, sessionID); err != nil {
		return fmt.Errorf("session hash chain: %w", err)
	}
	fmt.Fprintf(out, "  hash chain intact, %d audit events recorded\n", len(auditor.Events()))

	if err := tracker.End(ctx, sessionID); err != nil {
		return err
	}

	if jsonOut {
		data, err := json.MarshalIndent(hop2, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}

func printHop(out io.Writer, n int, actor, target string, g *exchange.Grant) {
	fmt.Fprintf(out, "%sHOP %d%s    %s -> %s\n", colorBold+colorCyan, n, colorReset, actor, target)
	fmt.Fprintf(out, "  granted: %s\n", g.Scopes.String())
	fmt.Fprintf(out, "  chain:   [%s]\n", strings.Join(g.Chain.Flatten(), " <- "))
	fmt.Fprintf(out, "  expires: %ds\n\n", g.ExpiresIn())
}
