package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "simpicd",
		Short:   "Perceptual-duplicate image daemon",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newWarmCmd())

	if err := root.Execute(); err != nil {
		return -1
	}
	return 0
}
