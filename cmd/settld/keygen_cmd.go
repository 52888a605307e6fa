package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/settld-labs/settld/pkg/crypto"
)

// runKeygenCmd generates an Ed25519 keypair for an agent or principal. The
// private key goes to --out (or stdout) and is never stored server-side.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var outPath string
	cmd.StringVar(&outPath, "out", "", "Write the private key PEM to this file (0600)")
	if err := cmd.Parse(args); err != nil {
		return 1
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(stderr, "Error: keygen: %v\n", err)
		return 1
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(kp.PrivatePEM), 0o600); err != nil {
			fmt.Fprintf(stderr, "Error: write %s: %v\n", outPath, err)
			return 1
		}
		result := map[string]string{"keyId": kp.KeyID, "publicKeyPem": kp.PublicPEM}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	result := map[string]string{
		"keyId":         kp.KeyID,
		"publicKeyPem":  kp.PublicPEM,
		"privateKeyPem": kp.PrivatePEM,
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}
