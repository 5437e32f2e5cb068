package main

import (
	"os"

	"github.com/blinktest/blinktest/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
