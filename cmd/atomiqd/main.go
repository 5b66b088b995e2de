// Package main provides atomiqd - a client-side swap daemon between EVM
// tokens and Bitcoin, on-chain or over Lightning.
package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// A .env file is optional; secrets can also come from the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		color.Red("Error loading .env file: %v", err)
		os.Exit(1)
	}

	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
