package main

import (
	"os"

	"github.com/rafi/astra/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
