package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/nunosite/edgeproxy/internal/config"
	"github.com/nunosite/edgeproxy/internal/core"
	"github.com/nunosite/edgeproxy/internal/core/store"
	"github.com/nunosite/edgeproxy/internal/output"
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect or reset shared rate limit state",
	Long: `Inspect or reset per-client rate limit windows in the configured store.

Only the redis driver is visible to this command: the memory driver keeps
state inside the running server process.`,
}

// rateLimitView is the rendered form of one client's window.
type rateLimitView struct {
	Client    string     `json:"client"`
	Found     bool       `json:"found"`
	State     string     `json:"state,omitempty"`
	Count     int        `json:"count,omitempty"`
	Capacity  int        `json:"capacity"`
	ResetTime *time.Time `json:"reset_time,omitempty"`
}

func newRateLimitView(client string, entry *core.RateLimitEntry, capacity int, now time.Time) rateLimitView {
	view := rateLimitView{Client: client, Capacity: capacity}
	if entry == nil {
		return view
	}
	reset := entry.ResetTime.UTC()
	view.Found = true
	view.State = entry.State(now).String()
	view.Count = entry.Count
	view.ResetTime = &reset
	return view
}

func writeRateLimitView(w io.Writer, format output.Format, view rateLimitView) error {
	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	lines := []string{"Rate Limit: " + view.Client, ""}
	if !view.Found {
		lines = append(lines, "(no active window)")
	} else {
		lines = append(lines,
			fmt.Sprintf("state:    %s", view.State),
			fmt.Sprintf("count:    %d/%d", view.Count, view.Capacity),
			fmt.Sprintf("resets:   %s", view.ResetTime.Format(time.RFC3339)),
		)
	}
	_, err := fmt.Fprint(w, ascii.DrawBox(strings.Join(lines, "\n"), 0))
	return err
}

// openSharedStore opens the configured store, refusing the process-local driver.
func openSharedStore(ctx context.Context) (*store.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Driver != config.DriverRedis {
		return nil, nil, fmt.Errorf("store driver %q keeps rate limits in the server process; use the redis driver", cfg.Store.Driver)
	}

	st, err := store.Open(ctx, cfg.Store, cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func init() {
	rateLimitCmd.AddCommand(rateLimitShowCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
