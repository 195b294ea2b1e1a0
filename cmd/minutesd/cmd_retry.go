package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/minutesd/minutesd/internal/api"
)

func newRetryCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue dead transcription jobs on a running service",
		Long: `Requeue dead transcription jobs on a running service.

Jobs that exhaust their retry budget land on a dead list and are never
retried automatically. This asks the service to put all of them back on
the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 30 * time.Second}
			url := strings.TrimRight(addr, "/") + "/api/queue/retry"

			resp, err := client.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("contacting service: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("service returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}

			var result api.RetryResponse
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d dead jobs.\n", result.Requeued)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the running service")

	return cmd
}
