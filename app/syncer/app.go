package syncer

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fundscope/fundscope/pkg/amfi"
	"github.com/fundscope/fundscope/pkg/db/funds"
	"github.com/fundscope/fundscope/pkg/logging"
	"github.com/fundscope/fundscope/pkg/redis"
	"github.com/fundscope/fundscope/pkg/utils"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App wires the sync orchestrator to its schedule and its HTTP surface: a
// cron-triggered daily bulk pass plus endpoints to trigger runs, watch
// progress and read funds, NAV history and returns.
type App struct {
	FundsDB *funds.DB
	Redis   *redis.Client
	Orch    *Orchestrator

	// Cron fires the scheduled daily pass, according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	Logger *zap.Logger
	Server *http.Server

	// mu guards current; at most one run is in flight at a time.
	mu      sync.Mutex
	current *Run

	// baseCtx bounds background runs to the app lifetime rather than to the
	// request or cron tick that triggered them.
	baseCtx context.Context
}

// Initialize builds the app from the environment: ClickHouse store, the NAV
// source client, and (optionally) Redis for run notifications.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	fundsDb, err := funds.New(ctx, logger, utils.Env("FUNDS_DB", "funds"))
	if err != nil {
		logger.Fatal("Unable to initialize funds database", zap.Error(err))
	}

	// Redis is best-effort: without it the run still works, it is just not
	// observable over pub/sub.
	redisClient, err := redis.NewClient(ctx, logger)
	if err != nil {
		logger.Warn("Redis unavailable, run events disabled", zap.Error(err))
		redisClient = nil
	}

	fetcher := amfi.NewClient(amfi.Opts{
		BulkEndpoints:   splitEndpoints(utils.Env("AMFI_BASE_URL", "https://www.amfiindia.com/spages/NAVAll.txt")),
		SchemeEndpoints: splitEndpoints(utils.Env("MFAPI_BASE_URL", "https://api.mfapi.in/mf")),
		RPS:             utils.EnvInt("SOURCE_RPS", 5),
		Burst:           utils.EnvInt("SOURCE_BURST", 10),
	})

	orch := &Orchestrator{
		Store:        fundsDb,
		Fetcher:      fetcher,
		Registry:     &StoreRegistry{Store: fundsDb},
		Logger:       logger,
		HistoryLimit: utils.EnvInt("HISTORY_LIMIT", defaultHistoryLimit),
	}
	if redisClient != nil {
		orch.Notifier = redisClient
	}

	app := &App{
		FundsDB:  fundsDb,
		Redis:    redisClient,
		Orch:     orch,
		CronSpec: utils.Env("SYNC_CRON", "0 30 21 * * *"),
		Logger:   logger,
		baseCtx:  ctx,
	}

	if err := app.SetupScheduler(ctx, cron.DefaultLogger, app.CronSpec); err != nil {
		return nil, err
	}

	return app, nil
}

func splitEndpoints(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// optionsFromEnv is the run shape the scheduler uses; manual triggers can
// override pieces of it per request.
func (a *App) optionsFromEnv() Options {
	return Options{
		Mode:       Mode(utils.Env("SYNC_MODE", string(ModeBulk))),
		BatchSize:  utils.EnvInt("SYNC_BATCH_SIZE", 50),
		Workers:    utils.EnvInt("SYNC_WORKERS", 8),
		BatchDelay: utils.EnvDuration("SYNC_BATCH_DELAY", 2*time.Second),
	}
}

// StartRun begins a background run if none is active. It returns the new run
// and true, or the in-flight run and false.
func (a *App) StartRun(ctx context.Context, opts Options) (*Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && !a.current.Done() {
		return a.current, false
	}
	run := NewRun()
	a.current = run
	go a.Orch.Execute(ctx, run, opts)
	return run, true
}

// CurrentRun returns the run most recently started, which may already be
// terminal. Nil before the first run.
func (a *App) CurrentRun() *Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// SetupScheduler sets up the cron scheduler for the daily pass.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger, cronSpec string) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)))

	_, err := a.Cron.AddFunc(cronSpec, func() {
		run, started := a.StartRun(ctx, a.optionsFromEnv())
		if !started {
			logger.Info("[syncer] scheduled run skipped, previous still active",
				"state", string(run.State()))
		}
	})
	return err
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("[syncer] Cron started", zap.String("cronSpec", a.CronSpec))
}

// StopCron stops the cron scheduler and waits for a running job to return.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// Ready indicates whether the application can serve reads.
func (a *App) Ready() bool { return a.FundsDB != nil }

// Start runs the HTTP server until ctx is cancelled, then shuts down.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()
	_ = a.Server.Close()
	a.Logger.Info("[syncer] shutting down…")
	a.StopCron()
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.FundsDB.Close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("[syncer] bye")
}
