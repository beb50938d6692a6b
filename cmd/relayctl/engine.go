package main

import (
	"encoding/json"
	"fmt"

	"detection-relay/internal/engine"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show detection engine health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var h engine.Health
			if err := clientFromCmd(cmd).get(cmd.Context(), "/engine/health", nil, &h); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\nmodel loaded: %t\n", h.Status, h.ModelLoaded)
			return nil
		},
	}
}

func newModelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "model",
		Short: "Show detection model details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var details json.RawMessage
			if err := clientFromCmd(cmd).get(cmd.Context(), "/engine/model", nil, &details); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), details)
		},
	}
}
