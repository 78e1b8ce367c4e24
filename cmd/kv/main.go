package main

import (
	"os"

	_ "go.miragespace.co/kv/backend/all"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, "Error: %v", err)
		os.Exit(1)
	}
}
