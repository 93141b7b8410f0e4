// Package main provides the filerescue CLI.
package main

import (
	"fmt"
	"os"

	"github.com/shubham/filerescue/cmd/rescue/commands"
)

var version = "dev"

func main() {
	if err := commands.Execute(version); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
