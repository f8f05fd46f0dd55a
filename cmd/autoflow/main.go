// Package main is the entry point for the autoflow CLI.
package main

import (
	"os"

	"github.com/KafClaw/autoflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
