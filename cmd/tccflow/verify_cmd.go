package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
)

// runVerifyCmd implements `tccflow verify <file>`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		pubKey     string
		jsonOutput bool
	)
	cmd.StringVar(&pubKey, "pubkey", "", "Hex Ed25519 public key; when set every entry signature is checked")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	// Accept the file before or after the flags.
	var path string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		path, args = args[0], args[1:]
	}
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" && cmd.NArg() > 0 {
		path = cmd.Arg(0)
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: tccflow verify <logfile> [--pubkey hex] [--json]")
		return 2
	}

	if _, err := os.Stat(path); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	v, err := auditlog.VerifyFile(path, pubKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(v, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if v.OK {
		_, _ = fmt.Fprintf(stdout, "Chain verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "File: %s\nEntries: %d\nHead: %s\n", path, v.Entries, v.ChainHead)
	} else {
		_, _ = fmt.Fprintf(stdout, "Chain verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "File: %s\nFirst mismatch: entry %d\nReason: %s\n", path, v.FirstMismatch, v.Reason)
	}

	if !v.OK {
		return 1
	}
	return 0
}
