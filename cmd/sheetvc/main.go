// Command sheetvc hashes, diffs and merges spreadsheet files locally.
package main

import (
	"os"

	"github.com/JonMunkholm/sheetvc/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
