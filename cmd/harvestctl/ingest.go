package main

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stanstork/harvest-api/internal/ingest"
)

var (
	ingestCorrelationID string
	ingestPlatform      string
	ingestContainer     string
	ingestEncoding      string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|->",
	Short: "Run a saved provider payload through the ingest pipeline",
	Long: `Reads a payload exactly as a provider would deliver it and processes it as
a new delivery. The flags stand in for the headers the provider would send.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestCorrelationID, "correlation-id", "", "Provider snapshot id to correlate with")
	ingestCmd.Flags().StringVar(&ingestPlatform, "platform", "", "Platform hint")
	ingestCmd.Flags().StringVar(&ingestContainer, "container", "", "Container to file records into")
	ingestCmd.Flags().StringVar(&ingestEncoding, "content-encoding", "", "Content-Encoding of the file, e.g. gzip")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	body, err := readInput(args[0])
	if err != nil {
		return errors.Wrap(err, "read payload")
	}

	e, err := openEnv(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	header := http.Header{}
	if ingestCorrelationID != "" {
		header.Set("X-Snapshot-Id", ingestCorrelationID)
	}
	if ingestPlatform != "" {
		header.Set("X-Platform", ingestPlatform)
	}
	if ingestContainer != "" {
		header.Set("X-Container-Id", ingestContainer)
	}
	if ingestEncoding != "" {
		header.Set("Content-Encoding", ingestEncoding)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.Ingest.ProcessingTimeout)
	defer cancel()

	ack, err := e.pipeline.Process(ctx, ingest.Delivery{Body: body, Header: header, Query: url.Values{}})
	if printErr := printJSON(cmd.OutOrStdout(), ack); printErr != nil {
		return printErr
	}
	return err
}
