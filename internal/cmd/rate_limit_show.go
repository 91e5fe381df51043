package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nunosite/edgeproxy/internal/output"
)

var rateLimitShowOutput string

var rateLimitShowCmd = &cobra.Command{
	Use:   "show <client>",
	Short: "Show the current window for a client key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(rateLimitShowOutput)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		st, cfg, err := openSharedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // best-effort cleanup

		client := strings.TrimSpace(args[0])
		entry, err := st.RateLimit(cmd.Context(), client)
		if err != nil {
			return err
		}

		view := newRateLimitView(client, entry, cfg.RateLimit.Capacity, time.Now())
		return writeRateLimitView(cmd.OutOrStdout(), format, view)
	},
}

func init() {
	rateLimitShowCmd.Flags().StringVar(&rateLimitShowOutput, "output-format", string(output.FormatTable), "Output format: table|json")
}
