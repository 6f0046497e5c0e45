package main

import (
	"fmt"
	"os"

	"auditcore/cmd/auditcore/commands"
)

func main() {
	if err := commands.NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
