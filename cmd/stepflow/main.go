package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stepflow",
		Short: "Versioned workflow execution engine",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./stepflow.yaml or ~/.stepflow/stepflow.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
