package main

import (
	"context"

	"github.com/aretw0/medflow/internal/cli"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the processing queue",
	Long:  `Runs the inference worker pool against the configured queue until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
			app.Config.Worker.Concurrency = n
		}
		reconcile, _ := cmd.Flags().GetBool("reconcile")

		sc := cli.NewSignalContext(context.Background())
		defer sc.Cancel()

		app.Logger.Info("Worker pool started", "concurrency", app.Config.Worker.Concurrency, "queue", app.Config.Queue.Driver)
		return cli.RunWorkers(sc, app, reconcile)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("concurrency", 0, "Parallel jobs (overrides worker.concurrency)")
	workerCmd.Flags().Bool("reconcile", false, "Also run the reconcile sweep")
}
