package main

import (
	"os"

	"github.com/sprite-ai/p4review/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
