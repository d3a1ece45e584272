package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check that the daemon is reachable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		h, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "kyber is %s: %d active task(s), %d live client(s)\n",
			h.Status, h.ActiveTasks, h.LiveClients)
		return nil
	},
}

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Show the security findings summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap, err := newClient().Findings(cmd.Context())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(snap.LastUpdated) > 0 && string(snap.LastUpdated) != "null" {
			_, _ = fmt.Fprintf(w, "Last updated: %s\n", strings.Trim(string(snap.LastUpdated), `"`))
		}
		if len(snap.Summary) > 0 {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			for _, k := range slices.Sorted(maps.Keys(snap.Summary)) {
				_, _ = fmt.Fprintf(tw, "%s\t%d\n", k, snap.Summary[k])
			}
			_ = tw.Flush()
		}
		_, _ = fmt.Fprintf(w, "%d issue(s)\n", len(snap.Issues))
		return nil
	},
}
