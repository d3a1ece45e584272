package main

import (
	"os"
	_ "time/tzdata"

	"github.com/cyph3rasi/kyber/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
