// Package main is the entry point for the vodproxy application.
package main

import (
	"os"

	"github.com/jmylchreest/vodproxy/cmd/vodproxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
