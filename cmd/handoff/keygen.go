package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

// runKeygen generates an Ed25519 signing seed in the format 'serve -key'
// reads. The seed goes to a file with tight permissions or, with no
// -out, to stdout for piping into a secret store.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var outPath string
	cmd.StringVar(&outPath, "out", "", "Write the seed file here instead of stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		fmt.Fprintf(stderr, "Error: generate seed: %v\n", err)
		return 1
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	doc := keyFileDoc{
		KID:       "key-" + uuid.New().String()[:8],
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Seed:      base64.StdEncoding.EncodeToString(seed),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data = append(data, '\n')

	if outPath == "" {
		_, _ = stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		fmt.Fprintf(stderr, "Error: write %s: %v\n", outPath, err)
		return 1
	}
	fmt.Fprintf(stdout, "Signing seed written to %s (kid %s)\n", outPath, doc.KID)
	fmt.Fprintf(stdout, "Public key: %s\n", doc.PublicKey)
	return 0
}
