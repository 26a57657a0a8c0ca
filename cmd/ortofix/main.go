// Command ortofix runs the OrtoFix chat proxy and its terminal client.
//
// Usage:
//
//	export GEMINI_API_KEYS='["key-1", "key-2"]'
//	ortofix serve
//	ortofix chat --url ws://localhost:5000/ws
package main

import (
	"fmt"
	"os"

	"github.com/nstogner/ortofix/cmd/ortofix/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
