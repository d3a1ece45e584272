package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyph3rasi/kyber/cli/server"
	"github.com/cyph3rasi/kyber/core/agent"
	"github.com/cyph3rasi/kyber/core/channels"
	"github.com/cyph3rasi/kyber/core/cron"
	"github.com/cyph3rasi/kyber/core/dispatch"
	"github.com/cyph3rasi/kyber/core/runner"
	coreruntime "github.com/cyph3rasi/kyber/core/runtime"
	"github.com/cyph3rasi/kyber/core/security"
	"github.com/cyph3rasi/kyber/core/tasks"
	"github.com/cyph3rasi/kyber/core/types"
	kyberui "github.com/cyph3rasi/kyber/ui"
)

// DashboardChannel is the channel name of the websocket dashboard sender.
const DashboardChannel = "dashboard"

// Daemon is a fully wired orchestrator process.
type Daemon struct {
	Registry   *tasks.Registry
	Runner     *runner.Runner
	Dispatcher *dispatch.Dispatcher
	Cron       *cron.Service
	API        *kyberui.API
	Server     *server.Server
	Router     *channels.Router

	logger   coreruntime.Logger
	stopBase context.CancelFunc
	closers  []func() error
}

// Options overrides collaborators that kyber.yaml cannot express.
type Options struct {
	Agent agent.Agent        // nil: chosen from the agent section
	Tools agent.ToolExecutor // nil: tool calls report no tools
}

// NewDaemon builds every component from cfg. Call Run to serve and Close
// when done.
func NewDaemon(ctx context.Context, cfg *types.Config, logger coreruntime.Logger, opts Options) (*Daemon, error) {
	if logger == nil {
		logger = coreruntime.NopLogger()
	}
	d := &Daemon{logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	audit, err := d.openAudit(cfg)
	if err != nil {
		return nil, err
	}

	regOpts := []tasks.Option{tasks.WithHistorySize(cfg.Tasks.HistorySize), tasks.WithLogger(logger)}
	if cfg.Tasks.HistoryPath != "" {
		regOpts = append(regOpts, tasks.WithHistoryStore(tasks.NewFileHistoryStore(cfg.Tasks.HistoryPath)))
	}
	d.Registry = tasks.NewRegistry(regOpts...)

	base, stop := context.WithCancel(context.Background())
	d.stopBase = stop
	d.Runner = runner.New(runner.Config{
		Registry:      d.Registry,
		Agent:         chooseAgent(cfg.Agent, opts.Agent),
		Tools:         opts.Tools,
		Logger:        logger,
		Audit:         audit,
		BaseContext:   base,
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
		WrapUpSteps:   cfg.Tasks.WrapUpSteps,
		MaxWallTime:   cfg.Tasks.MaxWallTime,
	})

	broker := kyberui.NewSSEBroker()
	hub := kyberui.NewHub(logger)

	d.Router = channels.NewRouter()
	if cfg.Channels.Console {
		d.Router.Register("console", channels.NewConsoleSender(os.Stdout))
	}
	webhookClient := &http.Client{Timeout: 15 * time.Second}
	for name, url := range cfg.Channels.Webhooks {
		d.Router.Register(name, channels.NewWebhookSender(url, webhookClient))
	}
	d.Router.Register(DashboardChannel, hub)

	deduper, err := d.openDeduper(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	promoteAfter := cfg.Tasks.PromoteAfter
	if promoteAfter == 0 {
		promoteAfter = -1 // configured 0 means intent-only promotion
	}
	d.Dispatcher = dispatch.New(dispatch.Config{
		Registry:             d.Registry,
		Runner:               d.Runner,
		Sender:               d.Router,
		Deduper:              deduper,
		Logger:               logger,
		Audit:                audit,
		PromoteAfter:         promoteAfter,
		DefaultMaxIterations: cfg.Tasks.DefaultMaxIterations,
		ProgressUpdates:      cfg.Tasks.ProgressUpdates,
		ProgressInterval:     cfg.Tasks.ProgressInterval,
	})

	store, err := d.openJobStore(cfg)
	if err != nil {
		return nil, err
	}
	var loc *time.Location
	if cfg.Cron.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Cron.Timezone); err != nil {
			return nil, fmt.Errorf("cron.timezone: %w", err)
		}
	}

	var api *kyberui.API
	d.Cron = cron.New(cron.Config{
		Store:          store,
		Runner:         d.Dispatcher,
		Sender:         d.Router,
		Logger:         logger,
		Audit:          audit,
		Tick:           cfg.Cron.Tick,
		Location:       loc,
		DefaultChannel: cfg.Cron.DefaultChannel,
		OnEvent: func(ev cron.Event) {
			if api != nil {
				api.PublishCron(ev)
			}
		},
	})

	api = kyberui.NewAPI(kyberui.Config{
		Registry:   d.Registry,
		Dispatcher: d.Dispatcher,
		Cron:       d.Cron,
		Findings:   security.NewTracker(filepath.Join(cfg.DataDir, "security", "issues.json")),
		Broker:     broker,
		Hub:        hub,
		Logger:     logger,
	})
	d.API = api

	d.Server = server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Token:           cfg.Server.Token,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	})
	d.Server.Mount(api)

	ok = true
	return d, nil
}

// Run serves the API and runs the scheduler and progress notifier until ctx
// is cancelled or one of them fails. Running tasks are cancelled on return.
func (d *Daemon) Run(ctx context.Context) error {
	unsubscribe := d.Registry.Subscribe(d.API.PublishTask)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Server.Start(gctx)
	})
	g.Go(func() error {
		d.Cron.Start(gctx)
		<-gctx.Done()
		d.Cron.Stop()
		return nil
	})
	g.Go(func() error {
		d.Dispatcher.RunProgress(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.stopBase()
		return nil
	})

	d.logger.Info("kyber daemon started", map[string]any{"channels": d.Router.Channels()})
	err := g.Wait()
	d.logger.Info("kyber daemon stopped", nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases files and connections.
func (d *Daemon) Close() error {
	if d.stopBase != nil {
		d.stopBase()
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Daemon) openAudit(cfg *types.Config) (*coreruntime.AuditLogger, error) {
	if cfg.Logger.AuditPath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logger.AuditPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Logger.AuditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	d.closers = append(d.closers, f.Close)
	return coreruntime.NewAuditLogger(f), nil
}

func (d *Daemon) openDeduper(ctx context.Context, cfg types.RedisConfig) (dispatch.Deduper, error) {
	if cfg.Addr == "" {
		return dispatch.NewMemoryDeduper(cfg.DedupeTTL), nil
	}
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, client.Close)
	d.logger.Info("using redis for message idempotency", map[string]any{"addr": cfg.Addr})
	return NewRedisDeduper(client, cfg.DedupeTTL), nil
}

func (d *Daemon) openJobStore(cfg *types.Config) (cron.JobStore, error) {
	switch cfg.Cron.Store {
	case "memory":
		return cron.NewMemoryStore(DefaultMaxHistory), nil
	case "postgres":
		if cfg.Database.DSN == "" {
			return nil, errors.New("cron.store is postgres but database.dsn is empty")
		}
		db, err := OpenPostgres(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			d.closers = append(d.closers, sqlDB.Close)
		}
		return NewGormJobStore(db, DefaultMaxHistory), nil
	default:
		path := cfg.Cron.StorePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "cron", "jobs.yaml")
		}
		return NewFileJobStore(path, DefaultMaxHistory), nil
	}
}

func chooseAgent(cfg types.AgentConfig, override agent.Agent) agent.Agent {
	switch {
	case override != nil:
		return override
	case cfg.Mock:
		return &MockAgent{Steps: 3, Delay: time.Second}
	case cfg.Endpoint != "":
		return NewHTTPAgent(cfg.Endpoint, cfg.Timeout)
	default:
		return NewStubAgent("")
	}
}
