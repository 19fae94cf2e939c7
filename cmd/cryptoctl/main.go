package main

import (
	"os"

	"e2e_crypto/cmd/cryptoctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
