// Command qminer is a CPU miner for RandomQ proof-of-work chains. It pulls
// block templates from a node, searches nonces on every configured thread and
// submits qualifying shares.
package main

import "os"

// Set at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
