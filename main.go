package main

import (
	"os"

	"github.com/cncpendant/cncjs-pendant/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
