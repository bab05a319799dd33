// Command pixelledger runs the duplicate-image upload gate.
package main

import (
	"os"

	"github.com/mtiwari1/pixelledger/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
