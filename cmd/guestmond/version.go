//go:build linux
// +build linux

package main

// Overridden at build time via -ldflags.
var (
	gitSHA1   = "unknown"
	buildDate = "unknown"
)
