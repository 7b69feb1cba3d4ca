package main

import (
	"os"

	"github.com/gridfabric/telehub/cli/cmd"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
