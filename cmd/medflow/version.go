package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/medflow"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of medflow",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "medflow version %s\n", strings.TrimSpace(medflow.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
