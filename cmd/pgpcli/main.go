package main

import (
	"os"

	"github.com/fyerfyer/pgpool/cmd/pgpcli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
