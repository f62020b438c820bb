package main

import (
	"os"

	"github.com/amara/lorekeep/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
