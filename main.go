package main

import (
	"os"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/livemd/livemd/cmd"
)

func main() {
	// Respect container CPU quotas when sizing GOMAXPROCS.
	_, _ = maxprocs.Set()

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
