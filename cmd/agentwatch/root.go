package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:   "agentwatch",
		Short: "Governance sidecar for autonomous agents",
	}

	root.AddCommand(serveCMD(), demoCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
