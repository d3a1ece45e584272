package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/cyph3rasi/kyber/cli/client"
	"github.com/cyph3rasi/kyber/cli/internal/tui"
	kyberrt "github.com/cyph3rasi/kyber/cli/runtime"
	"github.com/cyph3rasi/kyber/core/tasks"
	"github.com/cyph3rasi/kyber/core/types"
	"github.com/cyph3rasi/kyber/core/validate"
	kyberui "github.com/cyph3rasi/kyber/ui"
)

// loadAndValidateConfig loads kyber.yaml and refuses to continue on
// validation errors. Warnings are printed to w.
func loadAndValidateConfig(w io.Writer) (*types.Config, error) {
	cfg, err := kyberrt.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	result := validate.ValidateConfig(cfg)
	for _, warn := range result.Warnings {
		_, _ = fmt.Fprintf(w, "WARNING: %s\n", warn)
	}
	if !result.IsValid() {
		for _, e := range result.Errors {
			_, _ = fmt.Fprintf(w, "ERROR: %s\n", e)
		}
		return nil, fmt.Errorf("config validation failed: %d error(s)", len(result.Errors))
	}
	return cfg, nil
}

// newClient resolves the daemon address and token from flags, environment
// and finally kyber.yaml.
func newClient() *client.Client {
	addr, token := apiAddr, apiToken
	if addr == "" {
		addr = os.Getenv("KYBER_ADDR")
	}
	if token == "" {
		token = os.Getenv("KYBER_TOKEN")
	}
	if addr == "" || token == "" {
		cfg, err := kyberrt.LoadConfig(cfgFile)
		if err != nil {
			def := types.Defaults()
			cfg = &def
		}
		if addr == "" {
			srv := cfg.Server
			if srv.Host == "" || srv.Host == "0.0.0.0" || srv.Host == "::" {
				srv.Host = "127.0.0.1"
			}
			addr = srv.Addr()
		}
		if token == "" {
			token = cfg.Server.Token
		}
	}
	return client.New(addr, token)
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func renderStatus(s tasks.Status) string {
	return tui.StatusStyle(s).Render(string(s))
}

func printTasks(w io.Writer, ts []kyberui.TaskSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "REF\tSTATUS\tSTEP\tLABEL\tACTION\n")
	for _, t := range ts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			t.Reference, t.Status, t.Iteration, t.MaxIterations,
			clip(t.Label, 40), clip(t.CurrentAction, 50))
	}
	return tw.Flush()
}

func printTask(w io.Writer, t kyberui.TaskSummary) {
	_, _ = fmt.Fprintf(w, "Reference:  %s\n", t.Reference)
	_, _ = fmt.Fprintf(w, "Label:      %s\n", t.Label)
	_, _ = fmt.Fprintf(w, "Status:     %s\n", renderStatus(t.Status))
	if t.MaxIterations > 0 {
		_, _ = fmt.Fprintf(w, "Progress:   step %d of %d\n", t.Iteration, t.MaxIterations)
	} else {
		_, _ = fmt.Fprintf(w, "Progress:   step %d\n", t.Iteration)
	}
	if t.CurrentAction != "" {
		_, _ = fmt.Fprintf(w, "Action:     %s\n", t.CurrentAction)
	}
	if n := len(t.RecentActions); n > 0 {
		_, _ = fmt.Fprintf(w, "Recent:     %s\n", strings.Join(t.RecentActions[max(0, n-recentShown):], ", "))
	}
	if t.Origin != "" {
		_, _ = fmt.Fprintf(w, "Origin:     %s\n", t.Origin)
	}
	_, _ = fmt.Fprintf(w, "Created:    %s (%s ago)\n", t.CreatedAt.Format(time.RFC3339), since(t.CreatedAt))
	if t.CompletedAt != nil {
		_, _ = fmt.Fprintf(w, "Finished:   %s (took %s)\n", t.CompletedAt.Format(time.RFC3339), t.CompletedAt.Sub(t.CreatedAt).Round(time.Second))
	}
	_, _ = fmt.Fprintf(w, "Updates:    %s\n", onOff(t.ProgressUpdatesEnabled))
	if t.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:      %s\n", t.Error)
	}
	if t.Result != "" {
		_, _ = fmt.Fprintf(w, "\n%s\n", t.Result)
	}
}

// recentShown is how many completed actions "task status" lists.
const recentShown = 5

func since(t time.Time) time.Duration {
	return time.Since(t).Round(time.Second)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func formatMs(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).Local().Format("2006-01-02 15:04:05")
}
