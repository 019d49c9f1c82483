package main

import (
	"os"

	"github.com/moolen/apptest/cmd/apptest/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
