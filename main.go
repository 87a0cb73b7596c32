// Package main is the entry point for the rbridge CLI.
package main

import (
	"rbridge/cli/cmd"
)

func main() {
	cmd.Execute()
}
