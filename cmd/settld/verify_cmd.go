package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/verifier"
)

// trustedKey is one entry of the --keys file: the signer roster the bundle
// is verified against.
type trustedKey struct {
	KeyID        string     `json:"keyId"`
	PublicKeyPEM string     `json:"publicKeyPem"`
	RegisteredAt *time.Time `json:"registeredAt,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

// runVerifyCmd re-verifies a receipt bundle offline, with no server state.
//
// Exit codes:
//
//	0 = verification passed
//	1 = invocation or IO error
//	2 = verification failed
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		keysPath   string
		strict     bool
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to receipt bundle JSON (REQUIRED)")
	cmd.StringVar(&keysPath, "keys", "", "Path to trusted signer keys JSON (REQUIRED)")
	cmd.BoolVar(&strict, "strict", false, "Require a signed provider quote")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 1
	}
	if bundlePath == "" || keysPath == "" {
		fmt.Fprintln(stderr, "Error: --bundle and --keys are required")
		cmd.Usage()
		return 1
	}

	var bundle verifier.Bundle
	if err := readJSON(bundlePath, &bundle); err != nil {
		fmt.Fprintf(stderr, "Error: bundle: %v\n", err)
		return 1
	}
	var keys []trustedKey
	if err := readJSON(keysPath, &keys); err != nil {
		fmt.Fprintf(stderr, "Error: keys: %v\n", err)
		return 1
	}

	keyring := crypto.NewKeyring()
	for _, k := range keys {
		at := time.Unix(0, 0).UTC()
		if k.RegisteredAt != nil {
			at = *k.RegisteredAt
		}
		if err := keyring.Register(k.KeyID, k.PublicKeyPEM, at); err != nil {
			fmt.Fprintf(stderr, "Error: key %s: %v\n", k.KeyID, err)
			return 1
		}
		if k.RevokedAt != nil {
			if err := keyring.Transition(k.KeyID, crypto.SignerRevoked, *k.RevokedAt); err != nil {
				fmt.Fprintf(stderr, "Error: key %s: %v\n", k.KeyID, err)
				return 1
			}
		}
	}

	v := verifier.New(keyring)
	v.Strict = strict
	report := v.Verify(&bundle)

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, bundlePath, report)
	}
	if !report.OK {
		return 2
	}
	return 0
}

func printReport(w io.Writer, bundlePath string, report *verifier.Report) {
	if report.OK {
		fmt.Fprintf(w, "PASS %s (%d checks)\n", bundlePath, len(report.Checks))
	} else {
		fmt.Fprintf(w, "FAIL %s\n", bundlePath)
		for _, c := range report.Checks {
			if !c.OK {
				fmt.Fprintf(w, "  - %s: %s\n", c.Name, c.Detail)
			}
		}
	}
	for _, warn := range report.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
