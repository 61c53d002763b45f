// Command bornbind drives the bornbind shim from the command line: it runs
// command scripts, trains from a solver definition and reports devices.
package main

import (
	"fmt"
	"os"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "bornbind:", err)
		os.Exit(1)
	}
}
