package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aretw0/medflow/internal/cli"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconcile sweep",
	Long: `Re-dispatches sessions stuck in submitted and fails sessions stuck in processing,
then prints what it touched as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		sc := cli.NewSignalContext(context.Background())
		defer sc.Cancel()

		report, err := app.Service.Reconcile(sc, app.ReconcileOptions())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
