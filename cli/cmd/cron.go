package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyph3rasi/kyber/core/cron"
	"github.com/cyph3rasi/kyber/core/schedule"
)

// cronAddOptions collects the flags of "cron add".
type cronAddOptions struct {
	Name           string
	Message        string
	Every          string
	Cron           string
	TZ             string
	At             string
	Schedule       string
	Deliver        bool
	Channel        string
	To             string
	DeleteAfterRun bool
	Disabled       bool
}

var (
	cronAdd       cronAddOptions
	cronListAll   bool
	cronDisable   bool
	cronRunForce  bool
	cronRunsLimit int
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled jobs",
}

var cronAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled job",
	Long: `Add a job that sends --message to the agent on a schedule. Give exactly
one of --every, --cron, --at or --schedule.

Examples:
  kyber cron add --name standup --message "summarize yesterday" --cron "0 9 * * 1-5" --tz Europe/Berlin
  kyber cron add --message "check the build" --every 30m --deliver --channel console --to ops
  kyber cron add --message "remind me to stretch" --schedule "in 45m" --delete-after-run`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		in, err := cronAdd.jobInput(time.Now())
		if err != nil {
			return err
		}
		job, err := newClient().AddJob(cmd.Context(), in)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s), next run %s\n",
			job.ID, job.Schedule, formatMs(job.State.NextRunAtMs))
		return nil
	},
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		jobs, err := newClient().ListJobs(cmd.Context(), !cronListAll)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
			return nil
		}
		return printJobs(cmd, jobs)
	},
}

var cronRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a job",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().RemoveJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
		return nil
	},
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a job, or disable it with --disable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().EnableJob(cmd.Context(), args[0], !cronDisable)
		if err != nil {
			return err
		}
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", job.ID, state)
		return nil
	},
}

var cronRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a job now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().RunJob(cmd.Context(), args[0], cronRunForce)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Job %s started\n", job.ID)
		return nil
	},
}

var cronRunsCmd = &cobra.Command{
	Use:   "runs <id>",
	Short: "Show recent runs of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := newClient().JobRuns(cmd.Context(), args[0], cronRunsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No runs yet.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "TIME\tSTATUS\tDURATION\tTASK\tERROR\n")
		for _, r := range runs {
			msg := r.Error
			if msg == "" && r.DeliveryError != "" {
				msg = "delivery: " + r.DeliveryError
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Status,
				dash(r.Duration), dash(r.TaskRef), clip(msg, 60))
		}
		return tw.Flush()
	},
}

func init() {
	f := cronAddCmd.Flags()
	f.StringVar(&cronAdd.Name, "name", "", "job name (default: derived from the message)")
	f.StringVarP(&cronAdd.Message, "message", "m", "", "instruction sent to the agent when the job fires")
	f.StringVar(&cronAdd.Every, "every", "", "fixed interval, e.g. 30m or 1h30m")
	f.StringVar(&cronAdd.Cron, "cron", "", "5-field cron expression")
	f.StringVar(&cronAdd.TZ, "tz", "", "IANA timezone for --cron and local --at times")
	f.StringVar(&cronAdd.At, "at", "", "one-shot time, RFC3339 or \"2006-01-02 15:04\"")
	f.StringVar(&cronAdd.Schedule, "schedule", "", "shorthand: @daily, \"every 1h\", \"in 2h\", cron or timestamp")
	f.BoolVar(&cronAdd.Deliver, "deliver", false, "deliver the result to --channel/--to")
	f.StringVar(&cronAdd.Channel, "channel", "", "delivery channel (default from daemon config)")
	f.StringVar(&cronAdd.To, "to", "", "delivery recipient within the channel")
	f.BoolVar(&cronAdd.DeleteAfterRun, "delete-after-run", false, "remove the job after its first scheduled run")
	f.BoolVar(&cronAdd.Disabled, "disabled", false, "create the job disabled")

	cronListCmd.Flags().BoolVarP(&cronListAll, "all", "a", false, "include disabled jobs")
	cronEnableCmd.Flags().BoolVar(&cronDisable, "disable", false, "disable instead of enable")
	cronRunCmd.Flags().BoolVar(&cronRunForce, "force", false, "run even if the job is disabled")
	cronRunsCmd.Flags().IntVarP(&cronRunsLimit, "limit", "n", 20, "number of runs to show")

	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(cronListCmd)
	cronCmd.AddCommand(cronRemoveCmd)
	cronCmd.AddCommand(cronEnableCmd)
	cronCmd.AddCommand(cronRunCmd)
	cronCmd.AddCommand(cronRunsCmd)
}

// jobInput turns the flags into a job, resolving relative schedules
// against now.
func (o cronAddOptions) jobInput(now time.Time) (cron.JobInput, error) {
	if o.Message == "" {
		return cron.JobInput{}, errors.New("--message is required")
	}

	loc := time.Local
	if o.TZ != "" {
		l, err := time.LoadLocation(o.TZ)
		if err != nil {
			return cron.JobInput{}, fmt.Errorf("invalid --tz %q: %w", o.TZ, err)
		}
		loc = l
	}

	var (
		spec schedule.Spec
		set  int
	)
	if o.Every != "" {
		set++
		d, err := time.ParseDuration(o.Every)
		if err != nil {
			return cron.JobInput{}, fmt.Errorf("invalid --every %q: %w", o.Every, err)
		}
		spec = schedule.Spec{Kind: schedule.KindEvery, EveryMs: d.Milliseconds()}
	}
	if o.Cron != "" {
		set++
		spec = schedule.Spec{Kind: schedule.KindCron, Expr: o.Cron, TZ: o.TZ}
	}
	if o.At != "" {
		set++
		at, err := schedule.ParseAt(o.At, loc)
		if err != nil {
			return cron.JobInput{}, err
		}
		spec = schedule.Spec{Kind: schedule.KindAt, AtMs: at.UnixMilli()}
	}
	if o.Schedule != "" {
		set++
		s, err := schedule.ParseShorthand(o.Schedule, now, loc, o.TZ)
		if err != nil {
			return cron.JobInput{}, err
		}
		spec = s
	}
	switch {
	case set == 0:
		return cron.JobInput{}, errors.New("one of --every, --cron, --at or --schedule is required")
	case set > 1:
		return cron.JobInput{}, errors.New("--every, --cron, --at and --schedule are mutually exclusive")
	}
	if _, err := spec.Compile(); err != nil {
		return cron.JobInput{}, err
	}

	if (o.Channel != "" || o.To != "") && !o.Deliver {
		return cron.JobInput{}, errors.New("--channel and --to need --deliver")
	}

	name := o.Name
	if name == "" {
		name = clip(o.Message, 40)
	}
	in := cron.JobInput{
		Name:     name,
		Schedule: spec,
		Payload: cron.Payload{
			Message: o.Message,
			Deliver: o.Deliver,
			Channel: o.Channel,
			To:      o.To,
		},
		DeleteAfterRun: o.DeleteAfterRun,
	}
	if o.Disabled {
		enabled := false
		in.Enabled = &enabled
	}
	return in, nil
}

func printJobs(cmd *cobra.Command, jobs []cron.Job) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST\n")
	for _, j := range jobs {
		last := "-"
		if j.State.LastStatus != "" {
			last = j.State.LastStatus + " " + formatMs(j.State.LastRunAtMs)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			j.ID, clip(j.Name, 30), j.Schedule, j.Enabled, formatMs(j.State.NextRunAtMs), last)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
