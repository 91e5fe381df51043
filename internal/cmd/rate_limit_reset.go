package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nunosite/edgeproxy/internal/output"
)

var (
	rateLimitResetYes    bool
	rateLimitResetDryRun bool
	rateLimitResetOutput string
)

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset <client>",
	Short: "Clear the window for a client key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(rateLimitResetOutput)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		if !rateLimitResetYes && !rateLimitResetDryRun {
			return errors.New("reset requires --yes (or use --dry-run)")
		}

		st, _, err := openSharedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // best-effort cleanup

		client := strings.TrimSpace(args[0])
		if rateLimitResetDryRun {
			entry, err := st.RateLimit(cmd.Context(), client)
			if err != nil {
				return err
			}
			return writeRateLimitResetResult(cmd.OutOrStdout(), format, client, entry != nil, true)
		}

		existed, err := st.ResetRateLimit(cmd.Context(), client)
		if err != nil {
			return err
		}
		return writeRateLimitResetResult(cmd.OutOrStdout(), format, client, existed, false)
	},
}

func writeRateLimitResetResult(w io.Writer, format output.Format, client string, existed bool, dryRun bool) error {
	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(map[string]any{
			"client":  client,
			"existed": existed,
			"dry_run": dryRun,
		}, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	switch {
	case !existed:
		_, err := fmt.Fprintf(w, "No rate limit window for %s\n", client)
		return err
	case dryRun:
		_, err := fmt.Fprintf(w, "Would reset rate limit window for %s\n", client)
		return err
	default:
		_, err := fmt.Fprintf(w, "Reset rate limit window for %s\n", client)
		return err
	}
}

func init() {
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be reset")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetOutput, "output-format", string(output.FormatTable), "Output format: table|json")
}
