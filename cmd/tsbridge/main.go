// Package main is the entry point for the tsbridge application.
package main

import (
	"os"

	"github.com/jmylchreest/tsbridge/cmd/tsbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
