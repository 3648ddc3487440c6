package main

import (
	"context"
	"fmt"

	"github.com/aretw0/medflow/internal/lifecycle"
	"github.com/aretw0/medflow/internal/presentation/graph"
	"github.com/spf13/cobra"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Export the session lifecycle as a Mermaid diagram",
	Long: `Outputs a Mermaid diagram (graph TD) of every status and the events between them.
With --session, the statuses that session has passed through are highlighted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var overlay *graph.GraphOverlay
		if id, _ := cmd.Flags().GetString("session"); id != "" {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			session, err := app.Service.GetSession(context.Background(), id)
			if err != nil {
				return err
			}
			overlay = graph.OverlayOf(session)
		}

		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(lifecycle.Rules(), overlay))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().String("session", "", "Highlight the path of this session")
}
