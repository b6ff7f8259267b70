// Package main is the entry point for the pipelinectl CLI.
package main

import (
	"os"

	"github.com/cryptique/embedding-pipeline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
