package main

import (
	"os"

	"github.com/danmuck/exchange/cmd/exchangectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
