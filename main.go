package main

import (
	"os"

	"github.com/spigell/matchflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
