package main

import (
	"context"
	"os"

	"github.com/aretw0/medflow"
	"github.com/aretw0/medflow/internal/cli"
	"github.com/aretw0/medflow/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts the MedFlow JSON API. By default the worker pool and the reconcile
sweep run in the same process; disable them when dedicated workers consume the queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			app.Config.HTTP.Addr = addr
		}
		workers, _ := cmd.Flags().GetBool("workers")
		reconcile, _ := cmd.Flags().GetBool("reconcile")

		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			tui.PrintBanner(os.Stdout, medflow.Version)
		}

		sc := cli.NewSignalContext(context.Background())
		defer sc.Cancel()

		err = cli.Serve(sc, app, cli.ServeOptions{Workers: workers, Reconcile: reconcile})
		if sig := sc.Signal(); sig != nil {
			app.Logger.Info("Shutdown complete", "signal", sig.String())
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides http.addr)")
	serveCmd.Flags().Bool("workers", true, "Run the worker pool in this process")
	serveCmd.Flags().Bool("reconcile", true, "Run the reconcile sweep in this process")
	serveCmd.Flags().BoolP("quiet", "q", false, "Suppress the startup banner")
}
