// Package main is the entry point for the WOPI bridge server.
package main

import (
	"os"

	"github.com/cs3org/wopibridge/cmd/wopibridge/app"
	"github.com/cs3org/wopibridge/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
