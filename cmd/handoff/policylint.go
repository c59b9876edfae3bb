package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/handoff-labs/handoff/pkg/policy"
)

// runPolicyLint loads a rules file through the same pipeline the server
// uses, so a file that lints clean will load at startup: schema shape,
// glob syntax, CEL conditions, and the single-match check.
func runPolicyLint(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy-lint", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		file    string
		jsonOut bool
	)
	cmd.StringVar(&file, "file", "policy.yaml", "Rules file to validate")
	cmd.BoolVar(&jsonOut, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	rules, err := policy.Load(file)
	if err != nil {
		if jsonOut {
			result := map[string]any{"file": file, "valid": false, "error": err.Error()}
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			fmt.Fprintf(stderr, "%s: %v\n", file, err)
		}
		return 1
	}

	if jsonOut {
		result := map[string]any{"file": file, "valid": true, "rules": rules.Len()}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "%s: %d rules, no conflicts\n", file, rules.Len())
	for i, r := range rules.Rules() {
		line := fmt.Sprintf("  %2d. %s: %s -> %s  max [%s]", i+1, r.ActorID, r.SubjectAudience, r.TargetAudience, strings.Join(r.MaxScopes, " "))
		if r.Condition != "" {
			line += "  when " + r.Condition
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}
