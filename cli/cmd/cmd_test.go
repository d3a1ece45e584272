package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/cyph3rasi/kyber/cli/server"
	"github.com/cyph3rasi/kyber/core/cron"
	"github.com/cyph3rasi/kyber/core/dispatch"
	"github.com/cyph3rasi/kyber/core/schedule"
	"github.com/cyph3rasi/kyber/core/tasks"
	kyberui "github.com/cyph3rasi/kyber/ui"
)

func TestRootCmd_HasSubcommands(t *testing.T) {
	cases := map[string][]string{
		"":     {"serve", "chat", "task", "cron", "findings", "status"},
		"task": {"list", "status", "cancel", "redeliver", "progress", "watch"},
		"cron": {"add", "list", "remove", "enable", "run", "runs"},
	}
	for parent, wants := range cases {
		c := rootCmd
		if parent != "" {
			found, _, err := rootCmd.Find([]string{parent})
			if err != nil {
				t.Fatalf("finding %s: %v", parent, err)
			}
			c = found
		}
		names := make(map[string]bool)
		for _, sub := range c.Commands() {
			names[sub.Name()] = true
		}
		for _, want := range wants {
			if !names[want] {
				t.Errorf("%q missing subcommand %q", parent, want)
			}
		}
	}
}

func TestCronAddOptions_JobInput(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		opts    cronAddOptions
		want    schedule.Spec
		wantErr string
	}{
		{
			name: "every",
			opts: cronAddOptions{Message: "ping", Every: "30m"},
			want: schedule.Spec{Kind: schedule.KindEvery, EveryMs: 30 * 60 * 1000},
		},
		{
			name: "cron with tz",
			opts: cronAddOptions{Message: "ping", Cron: "0 9 * * 1-5", TZ: "Europe/Berlin"},
			want: schedule.Spec{Kind: schedule.KindCron, Expr: "0 9 * * 1-5", TZ: "Europe/Berlin"},
		},
		{
			name: "at rfc3339",
			opts: cronAddOptions{Message: "ping", At: "2026-03-02T08:00:00Z"},
			want: schedule.Spec{Kind: schedule.KindAt, AtMs: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC).UnixMilli()},
		},
		{
			name: "shorthand delay",
			opts: cronAddOptions{Message: "ping", Schedule: "in 2h"},
			want: schedule.Spec{Kind: schedule.KindAt, AtMs: now.Add(2 * time.Hour).UnixMilli()},
		},
		{name: "no message", opts: cronAddOptions{Every: "1m"}, wantErr: "--message"},
		{name: "no schedule", opts: cronAddOptions{Message: "ping"}, wantErr: "is required"},
		{name: "two schedules", opts: cronAddOptions{Message: "ping", Every: "1m", Cron: "* * * * *"}, wantErr: "mutually exclusive"},
		{name: "bad interval", opts: cronAddOptions{Message: "ping", Every: "soon"}, wantErr: "invalid --every"},
		{name: "too short", opts: cronAddOptions{Message: "ping", Every: "10ms"}, wantErr: "at least"},
		{name: "bad tz", opts: cronAddOptions{Message: "ping", Cron: "0 9 * * *", TZ: "Mars/Olympus"}, wantErr: "invalid --tz"},
		{name: "channel without deliver", opts: cronAddOptions{Message: "ping", Every: "1m", Channel: "console"}, wantErr: "--deliver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := tt.opts.jobInput(now)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if in.Schedule != tt.want {
				t.Errorf("schedule = %+v, want %+v", in.Schedule, tt.want)
			}
			if in.Name != "ping" || in.Payload.Message != "ping" {
				t.Errorf("name/message = %q/%q", in.Name, in.Payload.Message)
			}
		})
	}
}

func TestCronAddOptions_PayloadAndFlags(t *testing.T) {
	opts := cronAddOptions{
		Name: "standup", Message: "summarize", Every: "1h",
		Deliver: true, Channel: "console", To: "ops",
		DeleteAfterRun: true, Disabled: true,
	}
	in, err := opts.jobInput(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if in.Name != "standup" || !in.DeleteAfterRun {
		t.Errorf("input = %+v", in)
	}
	if in.Enabled == nil || *in.Enabled {
		t.Errorf("Enabled = %v, want false", in.Enabled)
	}
	want := cron.Payload{Message: "summarize", Deliver: true, Channel: "console", To: "ops"}
	if in.Payload != want {
		t.Errorf("payload = %+v, want %+v", in.Payload, want)
	}
}

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, msg dispatch.Message) (dispatch.Outcome, error) {
	if strings.HasPrefix(msg.Text, "background ") {
		return dispatch.Outcome{Reference: "t00000bg", Status: tasks.StatusRunning, Promoted: true}, nil
	}
	return dispatch.Outcome{Reference: "t0000001", Status: tasks.StatusCompleted, Reply: "echo: " + msg.Text}, nil
}

func (echoDispatcher) Redeliver(context.Context, string) error { return nil }

type okRunner struct{}

func (okRunner) Run(context.Context, dispatch.Message) (tasks.Task, error) {
	return tasks.Task{Status: tasks.StatusCompleted}, nil
}

// startAPI serves a real API and points the CLI globals at it.
func startAPI(t *testing.T) (*tasks.Registry, *cron.Service) {
	t.Helper()
	reg := tasks.NewRegistry()
	svc := cron.New(cron.Config{Store: cron.NewMemoryStore(10), Runner: okRunner{}})
	t.Cleanup(svc.Stop)

	api := kyberui.NewAPI(kyberui.Config{Registry: reg, Dispatcher: echoDispatcher{}, Cron: svc})
	srv := server.New(server.Config{Token: "tok"})
	srv.Mount(api)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	apiAddr, apiToken = ts.URL, "tok"
	t.Cleanup(func() { apiAddr, apiToken = "", "" })
	return reg, svc
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cronAdd = cronAddOptions{}
	cronListAll, cronDisable, cronRunForce = false, false, false

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestCLI_ChatAndTasks(t *testing.T) {
	reg, _ := startAPI(t)

	out, err := runCLI(t, "chat", "hello", "there")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(out, "echo: hello there") {
		t.Errorf("chat output = %q", out)
	}

	out, err = runCLI(t, "chat", "background", "crawl")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(out, "t00000bg") || !strings.Contains(out, "background") {
		t.Errorf("promoted output = %q", out)
	}

	out, err = runCLI(t, "task", "list")
	if err != nil || !strings.Contains(out, "No tasks.") {
		t.Errorf("task list (empty) = %q, %v", out, err)
	}

	ref, err := reg.Create("index the docs", tasks.Origin{Channel: "console", ChatID: "cli"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	out, err = runCLI(t, "task", "list")
	if err != nil || !strings.Contains(out, ref) || !strings.Contains(out, "index the docs") {
		t.Errorf("task list = %q, %v", out, err)
	}

	for _, a := range []string{"fetch", "parse", "index", "link", "rank", "publish"} {
		if _, err := reg.Update(ref, tasks.Delta{ActionCompleted: tasks.Ptr(a)}); err != nil {
			t.Fatal(err)
		}
	}
	out, err = runCLI(t, "task", "status", ref)
	if err != nil || !strings.Contains(out, "Reference:  "+ref) || !strings.Contains(out, "step 0 of 10") {
		t.Errorf("task status = %q, %v", out, err)
	}
	if !strings.Contains(out, "Recent:     parse, index, link, rank, publish") {
		t.Errorf("recent actions missing from %q", out)
	}

	out, err = runCLI(t, "task", "progress", ref, "off")
	if err != nil || !strings.Contains(out, "off") {
		t.Errorf("task progress = %q, %v", out, err)
	}
	if got, _ := reg.Get(ref); got.ProgressUpdatesEnabled {
		t.Error("progress updates still enabled")
	}

	if _, err := runCLI(t, "task", "progress", ref, "maybe"); err == nil {
		t.Error("expected error for invalid on/off")
	}

	out, err = runCLI(t, "task", "cancel", ref)
	if err != nil || !strings.Contains(out, ref) {
		t.Errorf("task cancel = %q, %v", out, err)
	}

	if _, err := runCLI(t, "task", "status", "tdeadbeef"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestCLI_CronLifecycle(t *testing.T) {
	_, svc := startAPI(t)
	ctx := context.Background()

	out, err := runCLI(t, "cron", "add", "--name", "ping", "--message", "ping the api", "--every", "1m")
	if err != nil || !strings.Contains(out, "Added job") {
		t.Fatalf("cron add = %q, %v", out, err)
	}
	jobs, err := svc.List(ctx, true)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %v, %v", jobs, err)
	}
	id := jobs[0].ID

	out, err = runCLI(t, "cron", "list")
	if err != nil || !strings.Contains(out, id) || !strings.Contains(out, "every 1m0s") {
		t.Errorf("cron list = %q, %v", out, err)
	}

	if out, err = runCLI(t, "cron", "enable", id, "--disable"); err != nil || !strings.Contains(out, "disabled") {
		t.Errorf("cron disable = %q, %v", out, err)
	}
	if out, err = runCLI(t, "cron", "list"); err != nil || !strings.Contains(out, "No jobs.") {
		t.Errorf("cron list (enabled only) = %q, %v", out, err)
	}
	if out, err = runCLI(t, "cron", "list", "--all"); err != nil || !strings.Contains(out, id) {
		t.Errorf("cron list --all = %q, %v", out, err)
	}

	if _, err := runCLI(t, "cron", "run", id); err == nil {
		t.Error("expected error running a disabled job without --force")
	}

	if out, err = runCLI(t, "cron", "runs", id); err != nil || !strings.Contains(out, "No runs yet.") {
		t.Errorf("cron runs = %q, %v", out, err)
	}

	if out, err = runCLI(t, "cron", "remove", id); err != nil || !strings.Contains(out, "Removed job") {
		t.Errorf("cron remove = %q, %v", out, err)
	}
	if _, err := runCLI(t, "cron", "remove", id); err == nil {
		t.Error("expected error removing a missing job")
	}
}

type staticSource struct{ resp kyberui.TasksResponse }

func (s staticSource) ListTasks(context.Context, int) (kyberui.TasksResponse, error) {
	return s.resp, nil
}

func (s staticSource) CancelTask(context.Context, string) (kyberui.CancelResponse, error) {
	return kyberui.CancelResponse{}, nil
}

func TestWatchPlain_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := staticSource{resp: kyberui.TasksResponse{
		Active: []kyberui.TaskSummary{{Reference: "t0000abc", Label: "crawl", Status: tasks.StatusRunning, Iteration: 1, MaxIterations: 5}},
	}}
	var buf bytes.Buffer
	if err := watchPlain(ctx, &buf, src, time.Hour, 5); err != nil {
		t.Fatalf("watchPlain: %v", err)
	}
	if !strings.Contains(buf.String(), "t0000abc") || !strings.Contains(buf.String(), "1/5") {
		t.Errorf("output = %q", buf.String())
	}
}
