// Package main is the entry point for the maql CLI.
package main

import (
	"os"

	"maqlexpress/api/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
