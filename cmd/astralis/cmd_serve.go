package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/astralisone/astralis-nextjs-sub001/internal/adapter"
	"github.com/astralisone/astralis-nextjs-sub001/internal/agent"
	"github.com/astralisone/astralis-nextjs-sub001/internal/balance"
	"github.com/astralisone/astralis-nextjs-sub001/internal/bus"
	"github.com/astralisone/astralis-nextjs-sub001/internal/config"
	"github.com/astralisone/astralis-nextjs-sub001/internal/decision"
	"github.com/astralisone/astralis-nextjs-sub001/internal/dedup"
	"github.com/astralisone/astralis-nextjs-sub001/internal/delivery"
	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/executor"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/quiet"
	"github.com/astralisone/astralis-nextjs-sub001/internal/ratelimit"
	"github.com/astralisone/astralis-nextjs-sub001/internal/repository"
	"github.com/astralisone/astralis-nextjs-sub001/internal/retry"
	"github.com/astralisone/astralis-nextjs-sub001/internal/scheduler"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
	"github.com/astralisone/astralis-nextjs-sub001/internal/store"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
	"github.com/astralisone/astralis-nextjs-sub001/internal/webhook"
	"github.com/astralisone/astralis-nextjs-sub001/pkg/llm"
	"github.com/astralisone/astralis-nextjs-sub001/pkg/llm/openai"
)

// CollectionOrgSettings holds per-organization settings handed to the
// decision provider, keyed by org id.
const CollectionOrgSettings = "org_settings"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the automation daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// app is the wired runtime.
type app struct {
	metrics   *metrics.Metrics
	bus       *bus.Bus
	kv        store.KeyedStore
	repo      types.Repository
	audit     *state.AuditLog
	sched     *scheduler.Scheduler
	execlog   *execlog.Log
	dedup     *dedup.Cache
	notifier  *executor.Notification
	executors *executor.Registry
	agent     *agent.Coordinator

	forms  *adapter.Webhook
	email  *adapter.Email
	worker *adapter.Worker
	db     *adapter.DBTrigger

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.bus = bus.New(bus.Options{HistorySize: cfg.Bus.HistorySize, Metrics: a.metrics})
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	switch cfg.Store.Backend {
	case "redis":
		client, err := store.Dial(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.kv = store.NewRedis(client, "astralis:")
	default:
		a.kv = store.NewMemory(nil)
	}

	switch cfg.Repository.Backend {
	case "memory":
		a.repo = repository.NewMemory()
	default:
		db, err := repository.OpenSQLite(cfg.Repository.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.repo = db
	}

	a.audit = state.NewAuditLog(cfg.DataDir)
	a.sched = scheduler.New(state.NewScheduleStore(filepath.Join(cfg.DataDir, "schedules.json")), a.metrics)
	a.execlog = execlog.New(cfg.ExecLog.Capacity)
	a.dedup = dedup.New(a.kv, cfg.Dedup.Window())

	rl := cfg.RateLimit
	limits := ratelimit.Limits{
		Window:          rl.Window(),
		PerWindow:       rl.PerWindow,
		PerHour:         rl.PerHour,
		PerDay:          rl.PerDay,
		GlobalPerWindow: rl.GlobalPerWindow,
		UrgentBurst:     rl.UrgentBurst,
	}
	policy := retry.FromMillis(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelayMs, cfg.Retry.MaxDelayMs)

	q := cfg.QuietHours
	window, err := quiet.ParseWindow(q.Enabled, q.Start, q.End, q.Timezone, q.Days, q.AllowUrgent)
	if err != nil {
		return nil, fmt.Errorf("quiet hours: %w", err)
	}

	senders, err := buildDelivery(cfg.Delivery)
	if err != nil {
		return nil, err
	}

	auditor := executor.NewAuditor(a.audit)
	a.notifier = executor.NewNotification(executor.NotificationOptions{
		Delivery:     senders,
		Dedup:        a.dedup,
		Limiter:      ratelimit.New(a.kv, "rl:notify:", limits),
		Retry:        policy,
		Scheduler:    a.sched,
		Preferences:  a.repo,
		DefaultQuiet: window,
		Log:          a.execlog,
		Metrics:      a.metrics,
	})
	invoker := executor.NewHTTPInvoker(cfg.Workflow.BaseURL, cfg.Workflow.Registry,
		time.Duration(cfg.Workflow.TimeoutSeconds)*time.Second)
	workflow := executor.NewWorkflow(invoker, policy, ratelimit.New(a.kv, "rl:workflow:", limits), a.sched, a.execlog, a.metrics)

	a.executors = executor.NewRegistry(&executor.Guard{Dedup: a.dedup, Log: a.execlog, Metrics: a.metrics})
	for _, e := range []executor.Executor{
		executor.NewAssignment(a.repo, auditor, balance.New()),
		executor.NewCalendar(a.repo, auditor, a.sched, a.notifier),
		a.notifier,
		workflow,
	} {
		if err := a.executors.Register(e); err != nil {
			return nil, err
		}
	}

	provider, err := decision.NewLLMProvider(openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}), decision.LLMOptions{
		Model:          cfg.LLM.Model,
		MaxInputTokens: cfg.LLM.MaxInputTokens,
		Actions:        a.executors.Types(),
	})
	if err != nil {
		return nil, err
	}

	ag := cfg.Agent
	a.agent = agent.New(agent.Options{
		Bus:        a.bus,
		Provider:   provider,
		Dispatcher: a.executors,
		Gate:       agent.NewGate(ag.AutoExecuteThreshold, ag.RequireApprovalThreshold, ag.HighImpactActions),
		ActionLimiter: ratelimit.New(a.kv, "rl:agent:", ratelimit.Limits{
			Window:    time.Minute,
			PerWindow: ag.MaxActionsPerMinute,
			PerHour:   ag.MaxActionsPerHour,
		}),
		Scheduler: a.sched,
		Notifier:  a.notifier,
		Escalation: agent.Escalation{
			Recipient: cfg.Escalation.OperatorRecipient,
			Channel:   cfg.Escalation.Channel,
		},
		OrgContext:    orgSettings(a.repo),
		MaxConcurrent: ag.MaxConcurrent,
		Metrics:       a.metrics,
	})

	a.forms = adapter.NewWebhook(a.bus, a.metrics)
	a.email = adapter.NewEmail(a.bus, a.metrics, adapter.EmailOptions{
		SkipAutoReplies: cfg.Email.SkipAutoReplies,
		SkipBounces:     cfg.Email.SkipBounces,
		SkipSpam:        cfg.Email.SkipSpam,
		SkipNewsletters: cfg.Email.SkipNewsletters,
	})
	a.worker = adapter.NewWorker(a.bus, a.metrics, adapter.WorkerOptions{SkipProgress: cfg.Worker.SkipProgress})
	a.db = adapter.NewDBTrigger(a.bus, a.metrics, adapter.DBTriggerOptions{
		IgnoredTables:  cfg.DBTrigger.IgnoredTables,
		IgnoredColumns: cfg.DBTrigger.IgnoredColumns,
	})

	ok = true
	return a, nil
}

func buildDelivery(cfg config.DeliveryConfig) (*delivery.Registry, error) {
	reg := delivery.NewRegistry()
	reg.Register(delivery.ChannelLog, delivery.NewLogSender(delivery.ChannelLog))
	if cfg.SMTP.Host != "" {
		reg.Register(delivery.ChannelEmail, delivery.NewSMTPSender(delivery.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}))
	} else {
		slog.Warn("smtp not configured; email is logged only")
		reg.Register(delivery.ChannelEmail, delivery.NewLogSender(delivery.ChannelEmail))
	}
	if cfg.SMSGatewayURL != "" {
		reg.Register(delivery.ChannelSMS, delivery.NewHTTPSMSSender(cfg.SMSGatewayURL, nil))
	}
	if cfg.TelegramToken != "" {
		tg, err := delivery.NewTelegramSender(cfg.TelegramToken)
		if err != nil {
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		reg.Register(delivery.ChannelPush, tg)
	}
	return reg, nil
}

// orgSettings resolves organization settings from the repository; an
// organization without a record gets empty settings.
func orgSettings(repo types.Repository) func(context.Context, string) types.OrgContext {
	return func(ctx context.Context, orgID string) types.OrgContext {
		org := types.OrgContext{OrgID: orgID}
		if orgID == "" {
			return org
		}
		settings, err := repository.Load[map[string]any](ctx, repo, CollectionOrgSettings, orgID)
		switch {
		case err == nil:
			org.Settings = settings
		case !errors.Is(err, errs.ErrNotFound):
			slog.Warn("load org settings failed", "org_id", orgID, "error", err)
		}
		return org
	}
}

// start launches the background parts of the runtime. Sources run until
// ctx is cancelled.
func (a *app) start(ctx context.Context, cfg *config.Config) error {
	if err := a.sched.Every("store-sweep", fmt.Sprintf("@every %ds", max(cfg.Dedup.SweepIntervalSeconds, 1)), func(ctx context.Context) {
		n, err := a.dedup.Sweep(ctx)
		if err != nil {
			slog.Warn("store sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Debug("store swept", "removed", n)
		}
	}); err != nil {
		return err
	}
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.closers = append(a.closers, func() error { a.sched.Stop(); return nil })

	a.agent.Start(ctx)
	a.closers = append(a.closers, func() error { a.agent.Stop(); return nil })

	if k := cfg.Worker.Kafka; len(k.Brokers) > 0 && k.Topic != "" {
		src, err := adapter.NewKafkaSource(k.Brokers, k.Topic, k.Group, a.worker)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { src.Close(); return nil })
		go func() {
			if err := src.Run(ctx); err != nil {
				slog.Error("kafka source stopped", "error", err)
			}
		}()
	}
	if cfg.DBTrigger.DSN != "" {
		pg, err := adapter.NewPGListener(cfg.DBTrigger.DSN, cfg.DBTrigger.Channel, a.db)
		if err != nil {
			return err
		}
		go func() {
			if err := pg.Run(ctx); err != nil {
				slog.Error("postgres listener stopped", "error", err)
			}
		}()
	}
	return nil
}

func (a *app) handler(cfg *config.Config) http.Handler {
	return webhook.NewServer(webhook.Options{
		Forms:     a.forms,
		Email:     a.email,
		Worker:    a.worker,
		DB:        a.db,
		Bus:       a.bus,
		ExecLog:   a.execlog,
		Agent:     a.agent,
		Audit:     a.audit,
		Scheduler: a.sched,
		Metrics:   a.metrics,
		Secret:    cfg.HTTP.WebhookSecret,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx, cfg); err != nil {
		return err
	}

	slog.Info("astralis started",
		"data_dir", cfg.DataDir,
		"store", cfg.Store.Backend,
		"repository", cfg.Repository.Backend,
		"llm_model", cfg.LLM.Model,
		"executors", len(a.executors.Types()),
		"pid_file", pidFile,
	)

	if cfg.HTTP.Enabled {
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           a.handler(cfg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidFile)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, werr := writePIDFile(cfg.DataDir); werr != nil {
					slog.Error("failed to re-write PID file", "error", werr)
				}
			}
			continue
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
