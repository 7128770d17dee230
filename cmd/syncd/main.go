// syncd is the driftsync daemon: it keeps a local offline-first store in
// step with a remote relational data source, per table, per user.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
