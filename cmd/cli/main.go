// Package main is the entry point for deployctl, the terminal client for the
// deployment agent API.
package main

import (
	"os"

	"devopsagent/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
