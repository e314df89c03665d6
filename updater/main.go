package main

import (
	"os"

	"github.com/nexusio/nexus/updater/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
