package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harunnryd/genkan/internal/adapter"
	"github.com/harunnryd/genkan/internal/agent"
	"github.com/harunnryd/genkan/internal/agent/backend/claude"
	"github.com/harunnryd/genkan/internal/agent/backend/cli"
	"github.com/harunnryd/genkan/internal/auth"
	"github.com/harunnryd/genkan/internal/bus"
	"github.com/harunnryd/genkan/internal/concurrency"
	"github.com/harunnryd/genkan/internal/config"
	"github.com/harunnryd/genkan/internal/daemon"
	"github.com/harunnryd/genkan/internal/governor"
	"github.com/harunnryd/genkan/internal/handler"
	"github.com/harunnryd/genkan/internal/identity"
	"github.com/harunnryd/genkan/internal/memory"
	"github.com/harunnryd/genkan/internal/monitor"
	"github.com/harunnryd/genkan/internal/notify"
	"github.com/harunnryd/genkan/internal/orchestrator"
	"github.com/harunnryd/genkan/internal/pipeline"
	"github.com/harunnryd/genkan/internal/scheduler"
	"github.com/harunnryd/genkan/internal/session"
	"github.com/harunnryd/genkan/internal/store"
	"github.com/harunnryd/genkan/internal/webhook"
)

// Background triggers run under a reserved system identity.
const serviceUserID = 0

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon",
	Long:  `Starts all components: store, event bus, chat adapters, webhook server, scheduler, and delivery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		d, err := buildDaemon(cfg)
		if err != nil {
			return err
		}

		err = d.Run(context.Background())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			slog.Info("Daemon stopped gracefully")
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func buildDaemon(cfg *config.Config) (*daemon.Daemon, error) {
	busyTimeout, err := config.DurationOrDefault(cfg.Store.BusyTimeout, config.DefaultStoreBusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse store busy timeout: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Store.DatabasePath, busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	eventBus := bus.New()

	gov, err := buildGovernor(cfg, st)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(st)
	mon := monitor.New(monitor.Options{
		AllowedTools:    cfg.Backend.AllowedTools,
		DisallowedTools: cfg.Backend.DisallowedTools,
		ApprovedDirs:    cfg.Backend.ApprovedDirs,
	})
	ident := identity.NewProvider(cfg.Identity.SoulPath, cfg.Identity.ProfilePath)

	var mem agent.Memory
	if cfg.Memory.Enabled {
		embedder := memory.NewOpenAIEmbedder(cfg.Memory.EmbeddingAPIKey, cfg.Memory.EmbeddingBase, cfg.Memory.EmbeddingModel)
		mgr, err := memory.NewManager(cfg.Memory.Path, cfg.Memory.Collection, embedder, cfg.Memory.TopK)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		mem = mgr
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		return nil, err
	}

	facade := agent.NewFacade(backends, sessions, gov, mon, ident, mem, st, agent.FacadeOptions{
		Model:        cfg.Backend.Model,
		MaxTurns:     cfg.Backend.MaxTurns,
		AllowedTools: cfg.Backend.AllowedTools,
	})

	admission := buildPipeline(cfg, st, gov)

	// Adapters and the orchestrator reference each other: inbound
	// messages route to the orchestrator, replies go back out through
	// the adapters. The closure breaks the cycle.
	var orch *orchestrator.Orchestrator
	onMessage := func(ctx context.Context, msg adapter.InboundMessage) error {
		if orch == nil {
			return fmt.Errorf("orchestrator not ready")
		}
		return orch.HandleChat(ctx, msg)
	}

	sender, inputAdapters := buildAdapters(cfg, onMessage)
	notifier, err := notify.New(sender, cfg.Notify)
	if err != nil {
		return nil, err
	}

	orch = orchestrator.New(admission, facade, sessions, notifier, st, orchestrator.Options{
		WorkdirRoot: cfg.Backend.WorkdirRoot,
	})

	requestTimeout, err := config.DurationOrDefault(cfg.Backend.RequestTimeout, config.DefaultBackendRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse backend request timeout: %w", err)
	}
	triggers := handler.New(facade, eventBus, handler.Options{
		ServiceUserID:  serviceUserID,
		DefaultWorkdir: cfg.Backend.WorkdirRoot,
		RunTimeout:     requestTimeout,
	})

	d := daemon.New(cfg)
	registerComponents(d, cfg, st, eventBus, notifier, triggers, orch, inputAdapters)
	return d, nil
}

func buildGovernor(cfg *config.Config, ledger governor.Ledger) (*governor.Governor, error) {
	cleanup, err := config.DurationOrDefault(cfg.Governor.CleanupInterval, config.DefaultGovernorCleanup)
	if err != nil {
		return nil, fmt.Errorf("parse governor cleanup interval: %w", err)
	}
	staleAfter, err := config.DurationOrDefault(cfg.Governor.StaleAfter, config.DefaultGovernorStaleAfter)
	if err != nil {
		return nil, fmt.Errorf("parse governor stale after: %w", err)
	}

	return governor.New(governor.Options{
		RequestsPerSecond: cfg.Governor.RequestsPerSecond,
		Burst:             cfg.Governor.Burst,
		CostCeilingUSD:    cfg.Governor.CostCeilingUSD,
		CleanupInterval:   cleanup,
		StaleAfter:        staleAfter,
	}, ledger), nil
}

// buildBackends assembles the failover pair from config. A missing CLI
// binary only matters when the CLI side is primary.
func buildBackends(cfg *config.Config) (*agent.Failover, error) {
	transcripts, err := claude.NewTranscriptStore(filepath.Join(cfg.Daemon.DataDir, "transcripts"))
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}
	apiBackend := claude.New(cfg.Backend.APIKey, transcripts)

	cliBackend, cliErr := cli.New(cfg.Backend.CLIPath, cfg.Backend.MaxTurns)

	switch cfg.Backend.Primary {
	case "cli":
		if cliErr != nil {
			return nil, fmt.Errorf("cli backend unavailable: %w", cliErr)
		}
		return agent.NewFailover(cliBackend, apiBackend, cfg.Backend.FallbackEnabled), nil
	case "claude", "":
		if cliErr != nil {
			slog.Warn("CLI backend unavailable, no fallback", "error", cliErr)
			return agent.NewFailover(apiBackend, nil, false), nil
		}
		return agent.NewFailover(apiBackend, cliBackend, cfg.Backend.FallbackEnabled), nil
	default:
		return nil, fmt.Errorf("unknown primary backend %q", cfg.Backend.Primary)
	}
}

// authBridge adapts the auth manager to the pipeline's credential shape.
type authBridge struct {
	mgr *auth.Manager
}

func (b authBridge) Authenticate(ctx context.Context, creds pipeline.AuthCredentials) error {
	return b.mgr.Authenticate(ctx, auth.Credentials{UserID: creds.UserID, Token: creds.Token})
}

func buildPipeline(cfg *config.Config, st *store.SQLiteStore, gov *governor.Governor) *pipeline.Pipeline {
	providers := []auth.Provider{auth.NewWhitelistProvider(cfg.Auth.AllowedUserIDs)}
	if cfg.Auth.TokenAuthEnabled {
		providers = append(providers, auth.NewTokenProvider(cfg.Auth.TokenSecret, st))
	}
	authMgr := auth.NewManager(providers...)

	return pipeline.New(st,
		pipeline.NewSecurityStage(cfg.Security.BlocklistEnabled, cfg.Security.ExtraPatterns, cfg.Security.MaxMessageLength),
		pipeline.NewAuthStage(authBridge{mgr: authMgr}),
		pipeline.NewRateStage(gov),
	)
}

// multiSender fans one message out to every configured platform.
type multiSender struct {
	senders []notify.Sender
}

func (m multiSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	var firstErr error
	for _, s := range m.senders {
		if err := s.SendMessage(ctx, chatID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildAdapters(cfg *config.Config, onMessage adapter.MessageHandler) (notify.Sender, []adapter.InputAdapter) {
	var senders []notify.Sender
	var inputs []adapter.InputAdapter

	if cfg.Telegram.Enabled {
		telegram := adapter.NewTelegramAdapter(cfg.Telegram.BotToken, onMessage, cfg.Telegram.UpdateTimeout)
		senders = append(senders, telegram)
		inputs = append(inputs, telegram)
	}
	if cfg.Slack.Enabled {
		senders = append(senders, adapter.NewSlackAdapter(cfg.Slack.BotToken, cfg.Slack.Channel))
	}
	if len(senders) == 0 {
		senders = append(senders, adapter.NewNullAdapter(""))
	}
	if len(senders) == 1 {
		return senders[0], inputs
	}
	return multiSender{senders: senders}, inputs
}

func registerComponents(d *daemon.Daemon, cfg *config.Config, st *store.SQLiteStore,
	eventBus *bus.Bus, notifier *notify.Notifier, triggers *handler.Handler,
	orch *orchestrator.Orchestrator, inputs []adapter.InputAdapter) {

	d.AddComponent(&daemon.Func{
		ComponentName: "store",
		StopFunc:      func(context.Context) error { return st.Close() },
		HealthFunc:    st.Ping,
	})

	d.AddComponent(&daemon.Func{
		ComponentName: "bus",
		Deps:          []string{"store"},
		InitFunc: func(context.Context) error {
			triggers.Register()
			notifier.Register(eventBus)
			return nil
		},
		StopFunc: func(context.Context) error {
			eventBus.Close()
			return nil
		},
	})

	if cfg.Webhook.Enabled {
		d.AddComponent(newWebhookComponent(cfg, st, eventBus))
	}
	if cfg.Scheduler.Enabled {
		d.AddComponent(newSchedulerComponent(cfg, eventBus))
	}

	for _, input := range inputs {
		d.AddComponent(newInputComponent(input))
	}
}

func newWebhookComponent(cfg *config.Config, st *store.SQLiteStore, eventBus *bus.Bus) daemon.Component {
	readTimeout, _ := config.DurationOrDefault(cfg.Webhook.ReadTimeout, config.DefaultWebhookReadTimeout)
	writeTimeout, _ := config.DurationOrDefault(cfg.Webhook.WriteTimeout, config.DefaultWebhookWriteTimeout)

	srv := webhook.NewServer(webhook.Options{
		Addr:         fmt.Sprintf(":%d", cfg.Webhook.Port),
		GitHubSecret: cfg.Webhook.GitHubSecret,
		BearerToken:  cfg.Webhook.BearerToken,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}, st, eventBus)

	return &daemon.Func{
		ComponentName: "webhook",
		Deps:          []string{"store", "bus"},
		StartFunc: func(context.Context) error {
			concurrency.SafeGo(func() {
				if err := srv.Start(); err != nil {
					slog.Error("Webhook server failed", "error", err)
				}
			}, nil)
			return nil
		},
		StopFunc: srv.Stop,
	}
}

func newSchedulerComponent(cfg *config.Config, eventBus *bus.Bus) daemon.Component {
	var sched *scheduler.Scheduler

	return &daemon.Func{
		ComponentName: "scheduler",
		Deps:          []string{"bus"},
		InitFunc: func(ctx context.Context) error {
			schedStore, err := scheduler.NewStore(cfg.Scheduler.StatePath)
			if err != nil {
				return fmt.Errorf("open scheduler state: %w", err)
			}
			sched, err = scheduler.New(schedStore, eventBus, cfg.Scheduler)
			if err != nil {
				return err
			}
			return sched.Init(ctx)
		},
		StartFunc: func(ctx context.Context) error { return sched.Start(ctx) },
		StopFunc: func(ctx context.Context) error {
			if sched == nil {
				return nil
			}
			return sched.Stop(ctx)
		},
		HealthFunc: func(ctx context.Context) error {
			if sched == nil {
				return fmt.Errorf("scheduler not built")
			}
			return sched.Health(ctx)
		},
	}
}

func newInputComponent(input adapter.InputAdapter) daemon.Component {
	return &daemon.Func{
		ComponentName: "adapter-" + input.Name(),
		Deps:          []string{"bus"},
		StartFunc:     input.Start,
		StopFunc:      input.Stop,
		HealthFunc:    input.Health,
	}
}
