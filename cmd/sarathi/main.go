// Command sarathi is a terminal client for the streaming voice assistant.
//
// Usage:
//
//	sarathi [flags] <command>
//
// Commands:
//
//	chat       - type messages, read replies
//	voice      - stream a WAV file as the microphone and play replies
//	devserver  - run a local backend that echoes every turn
//	perf       - replay text turns and report turn latency
//
// Settings come from SARATHI_* environment variables, optionally loaded
// from a .env file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sarathi:", err)
		os.Exit(1)
	}
}
