package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aretw0/medflow/internal/cli"
	"github.com/aretw0/medflow/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "medflow",
	Short: "MedFlow runs the clinical session lifecycle",
	Long: `MedFlow moves clinical review sessions from nurse intake through automated
analysis to doctor review and closure, spawning follow-up sessions when tests are pending.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to medflow.yaml (or .json)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

// buildApp loads the configuration and wires the process.
func buildApp(cmd *cobra.Command) (*cli.App, error) {
	path, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := cli.NewLogger(cfg.Log, debug)
	return cli.Build(context.Background(), cfg, logger)
}
