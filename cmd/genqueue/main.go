// Package main implements the genqueue command: a background queue that
// runs LLM generation tasks through a prioritised set of providers guarded
// by circuit breakers.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
