// Package main is the entry point for the keybroker CLI. It connects to the
// privileged key-management service and exposes its operations as
// subcommands.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
