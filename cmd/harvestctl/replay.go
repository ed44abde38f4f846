package main

import (
	"context"

	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <delivery-id>",
	Short: "Process an audited delivery again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.Ingest.ProcessingTimeout)
		defer cancel()

		ack, err := e.pipeline.Replay(ctx, args[0])
		if err != nil && ack.DeliveryID == "" {
			return err
		}
		if printErr := printJSON(cmd.OutOrStdout(), ack); printErr != nil {
			return printErr
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
