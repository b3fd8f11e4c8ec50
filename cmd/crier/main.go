// Package main is the entry point for the crier CLI.
package main

import (
	"os"

	"github.com/crier-bot/crier/cmd/crier/app"
	"github.com/crier-bot/crier/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
