package syncer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/fundscope/fundscope/pkg/amfi"
	"github.com/fundscope/fundscope/pkg/db/funds"
	models "github.com/fundscope/fundscope/pkg/db/models/funds"
	"github.com/fundscope/fundscope/pkg/redis"
	"github.com/fundscope/fundscope/pkg/returns"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Mode selects where a run sources its NAV points.
type Mode string

const (
	// ModeBulk ingests the single full-universe feed: one fetch, a daily
	// point per scheme.
	ModeBulk Mode = "bulk"
	// ModePerScheme fetches each scheme's full history document: thousands
	// of fetches, so batching and the inter-batch delay matter here.
	ModePerScheme Mode = "per_scheme"
)

// Fetcher is the outbound surface of the NAV source client.
type Fetcher interface {
	BulkFeed(ctx context.Context) (io.ReadCloser, error)
	SchemeDocument(ctx context.Context, schemeCode string) ([]byte, error)
}

// Notifier publishes best-effort run events. The redis client satisfies it.
type Notifier interface {
	PublishJSON(ctx context.Context, channel string, payload any)
}

type noopNotifier struct{}

func (noopNotifier) PublishJSON(context.Context, string, any) {}

// Options tune one run.
type Options struct {
	Mode       Mode
	BatchSize  int           // schemes per batch in per-scheme mode
	Workers    int           // concurrent fetch units within a batch
	BatchDelay time.Duration // pause between batches (source rate limit)
	AsOf       time.Time     // reference date for return computation; zero means today

	// Schemes, when set, overrides the registry for this run. Used for
	// targeted backfills.
	Schemes []string
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeBulk
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	if o.AsOf.IsZero() {
		o.AsOf = time.Now()
	}
	return o
}

// persistChunkSize bounds how many NAV points go out in one insert block
// when streaming the bulk feed.
const persistChunkSize = 1000

// bulkFeedFailureKey marks a feed-level failure in a run's failure list,
// distinct from any per-scheme entry. Real scheme codes are numeric, so the
// underscore prefix cannot collide.
const bulkFeedFailureKey = "_bulk_feed"

// defaultHistoryLimit bounds the lookback window fed to return computation.
// The longest supported period is ten years; at one quote per trading day
// this is a comfortable margin.
const defaultHistoryLimit = 4000

// Orchestrator coordinates a full sync pass: select targets, fan out
// fetch/parse work under the concurrency and rate budget, persist, then
// recompute returns for every scheme that received new data.
type Orchestrator struct {
	Store    funds.Store
	Fetcher  Fetcher
	Registry Registry
	Notifier Notifier
	Logger   *zap.Logger

	// HistoryLimit caps the points loaded per scheme for return computation.
	HistoryLimit int

	// Sleep is the inter-batch delay hook; injectable so tests do not wait
	// out the rate limit in real time.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Orchestrator) historyLimit() int {
	if o.HistoryLimit > 0 {
		return o.HistoryLimit
	}
	return defaultHistoryLimit
}

func (o *Orchestrator) notifier() Notifier {
	if o.Notifier != nil {
		return o.Notifier
	}
	return noopNotifier{}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute drives run through the full state machine. It blocks until the run
// reaches a terminal state; callers that need a background pass launch it in
// a goroutine and poll run.Status.
func (o *Orchestrator) Execute(ctx context.Context, run *Run, opts Options) Outcome {
	opts = opts.withDefaults()
	asOf := models.CivilDate(opts.AsOf)
	logger := o.Logger.With(zap.String("mode", string(opts.Mode)))

	registry := o.Registry
	if len(opts.Schemes) > 0 {
		registry = StaticRegistry(opts.Schemes)
	}

	codes, err := registry.Schemes(ctx)
	if err != nil {
		// Cannot resolve the universe: nothing can be claimed, fail outright.
		run.fail(fmt.Sprintf("resolve scheme registry: %v", err))
		logger.Error("Sync run failed before start", zap.Error(err))
		return run.Outcome()
	}

	run.setState(StateFetching)
	o.notifier().PublishJSON(ctx, redis.ChannelRunStarted, map[string]any{
		"mode":    opts.Mode,
		"targets": len(codes),
	})
	logger.Info("Sync run started",
		zap.Int("registry_schemes", len(codes)),
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("workers", opts.Workers),
		zap.Duration("batch_delay", opts.BatchDelay))

	touched := xsync.NewMap[string, struct{}]()

	switch opts.Mode {
	case ModePerScheme:
		o.runPerScheme(ctx, run, opts, codes, touched)
	default:
		o.runBulk(ctx, run, opts, touched)
	}

	if run.Done() {
		// A fatal error already closed the run during ingestion.
		return o.publishOutcome(ctx, run)
	}

	if ctx.Err() != nil {
		// Cancelled during ingestion: store reads on a dead context would
		// tag every touched scheme with a spurious compute failure.
		run.fail(fmt.Sprintf("run cancelled: %v", ctx.Err()))
		return o.publishOutcome(ctx, run)
	}

	run.setState(StateComputing)
	o.recompute(ctx, run, opts, touched, asOf)

	if ctx.Err() != nil {
		run.fail(fmt.Sprintf("run cancelled: %v", ctx.Err()))
	} else {
		run.finish(StateCompleted)
	}
	return o.publishOutcome(ctx, run)
}

func (o *Orchestrator) publishOutcome(ctx context.Context, run *Run) Outcome {
	outcome := run.Outcome()
	o.notifier().PublishJSON(context.WithoutCancel(ctx), redis.ChannelRunCompleted, outcome)
	o.Logger.Info("Sync run finished",
		zap.String("state", string(run.State())),
		zap.Bool("success", outcome.Success),
		zap.Int("records", outcome.RecordsProcessed),
		zap.Int("failed_schemes", len(outcome.FailedSchemes)),
		zap.Float64("duration_ms", outcome.DurationMs))
	return outcome
}

// runBulk streams the full feed and persists it in bounded chunks. There is
// exactly one upstream fetch, so the rate-limit delay does not apply between
// persist chunks.
func (o *Orchestrator) runBulk(ctx context.Context, run *Run, opts Options, touched *xsync.Map[string, struct{}]) {
	body, err := o.Fetcher.BulkFeed(ctx)
	if err != nil {
		// The single source of a bulk run is unreachable: nothing was done.
		run.fail(fmt.Sprintf("fetch bulk feed: %v", err))
		return
	}
	defer func() { _ = body.Close() }()

	run.setState(StatePersisting)

	scanner := amfi.ParseBulkFeed(body)
	chunk := make([]models.NavPoint, 0, persistChunkSize)
	names := make(map[string]string, persistChunkSize)
	// Scheme count is tracked run-wide: a scheme whose records straddle a
	// chunk boundary must not be counted twice.
	feedSchemes := make(map[string]struct{})

	flush := func() {
		if len(chunk) == 0 {
			return
		}
		o.persistChunk(ctx, run, chunk, names, touched)
		chunk = chunk[:0]
		names = make(map[string]string, persistChunkSize)
	}

	for scanner.Next() {
		p := scanner.Point()
		feedSchemes[p.SchemeCode] = struct{}{}
		names[p.SchemeCode] = scanner.SchemeName()
		chunk = append(chunk, p)
		if len(chunk) >= persistChunkSize {
			flush()
			if ctx.Err() != nil {
				return
			}
		}
	}
	flush()
	run.setTargets(len(feedSchemes))

	if err := scanner.Err(); err != nil {
		if len(feedSchemes) == 0 {
			run.fail(fmt.Sprintf("read bulk feed: %v", err))
			return
		}
		// Partial feed: what landed stands, but an unknown remainder of the
		// universe never arrived. That is a failure the outcome must carry,
		// not a log line.
		run.addFailure(bulkFeedFailureKey, ErrKindFetch,
			fmt.Sprintf("bulk feed truncated mid-stream: %v", err))
		o.Logger.Warn("Bulk feed truncated mid-stream",
			zap.Int("schemes_seen", len(feedSchemes)),
			zap.Error(err))
	}
	o.Logger.Info("Bulk feed ingested",
		zap.Int("schemes", len(feedSchemes)),
		zap.Int("lines_skipped", scanner.Skipped()))
}

// persistChunk writes one bounded batch of points plus the latest-NAV
// projection. A storage failure marks every scheme in the chunk failed and
// the run moves on to the next chunk.
func (o *Orchestrator) persistChunk(ctx context.Context, run *Run, chunk []models.NavPoint, names map[string]string, touched *xsync.Map[string, struct{}]) {
	latest := funds.LatestPerScheme(chunk)
	info := make(map[string]funds.SchemeInfo, len(latest))
	for code := range latest {
		info[code] = funds.SchemeInfo{Name: names[code]}
	}

	stats, err := o.Store.UpsertNavPoints(ctx, chunk, info)
	if err != nil {
		for code := range latest {
			run.addFailure(code, ErrKindPersist, err.Error())
		}
		o.Logger.Warn("Persist batch failed",
			zap.Int("points", len(chunk)),
			zap.Int("schemes", len(latest)),
			zap.Error(err))
		return
	}

	newSchemes := 0
	for code := range latest {
		if _, loaded := touched.LoadOrStore(code, struct{}{}); !loaded {
			newSchemes++
		}
	}
	run.markProcessed(newSchemes)
	run.addRecords(stats.Inserted + stats.Updated)
}

// runPerScheme fans out one fetch/parse/persist unit per scheme, batched to
// create checkpoints and rate-limit pauses, concurrent within a batch up to
// the worker budget. Units are independent: one scheme's failure never blocks
// another's.
func (o *Orchestrator) runPerScheme(ctx context.Context, run *Run, opts Options, codes []string, touched *xsync.Map[string, struct{}]) {
	run.setTargets(len(codes))
	if len(codes) == 0 {
		return
	}

	run.setState(StatePersisting)

	pool := pond.NewPool(opts.Workers)
	defer pool.StopAndWait()

	for start := 0; start < len(codes); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(codes))
		batch := codes[start:end]

		// Deliberately not a context-bound group: cancellation lets the
		// in-flight batch drain instead of abandoning writes mid-air.
		group := pool.NewGroup()
		for _, schemeCode := range batch {
			group.Submit(func() {
				if ctx.Err() != nil {
					return
				}
				o.syncScheme(ctx, run, schemeCode, touched)
			})
		}
		_ = group.Wait()

		o.notifier().PublishJSON(ctx, redis.ChannelRunProgress, run.Status())

		if ctx.Err() != nil {
			o.Logger.Info("Sync run stopping between batches",
				zap.Int("completed_through", end),
				zap.Int("targets", len(codes)))
			return
		}
		if end < len(codes) {
			if err := o.sleep(ctx, opts.BatchDelay); err != nil {
				return
			}
		}
	}
}

// syncScheme is one unit of work: fetch the scheme's document, parse it,
// persist its points and refresh the projection.
func (o *Orchestrator) syncScheme(ctx context.Context, run *Run, schemeCode string, touched *xsync.Map[string, struct{}]) {
	doc, err := o.Fetcher.SchemeDocument(ctx, schemeCode)
	if err != nil {
		run.addFailure(schemeCode, ErrKindFetch, err.Error())
		o.Logger.Warn("Scheme fetch failed", zap.String("scheme", schemeCode), zap.Error(err))
		return
	}

	points, meta, err := amfi.ParseSchemeDocument(schemeCode, doc)
	if err != nil {
		run.addFailure(schemeCode, ErrKindParse, err.Error())
		o.Logger.Warn("Scheme document unparseable", zap.String("scheme", schemeCode), zap.Error(err))
		return
	}

	if len(points) == 0 {
		// Nothing published for this scheme yet; processed, not failed.
		run.markProcessed(1)
		return
	}

	stats, err := o.Store.UpsertNavPoints(ctx, points, map[string]funds.SchemeInfo{
		schemeCode: {Name: meta.SchemeName, Category: meta.Category},
	})
	if err != nil {
		run.addFailure(schemeCode, ErrKindPersist, err.Error())
		return
	}

	run.markProcessed(1)
	run.addRecords(stats.Inserted + stats.Updated)
	touched.Store(schemeCode, struct{}{})
}

// recompute rebuilds the returns snapshot for every scheme that received at
// least one point this run. Untouched schemes keep their snapshot; their
// inputs did not change.
func (o *Orchestrator) recompute(ctx context.Context, run *Run, opts Options, touched *xsync.Map[string, struct{}], asOf time.Time) {
	schemes := make([]string, 0)
	touched.Range(func(code string, _ struct{}) bool {
		schemes = append(schemes, code)
		return true
	})
	sort.Strings(schemes)
	if len(schemes) == 0 {
		return
	}

	var mu sync.Mutex
	rows := make([]*models.FundReturns, 0, len(schemes))
	computedAt := time.Now().UTC()

	pool := pond.NewPool(opts.Workers)
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, schemeCode := range schemes {
		group.Submit(func() {
			history, err := o.Store.RangeDescending(ctx, schemeCode, o.historyLimit())
			if err != nil {
				run.addFailure(schemeCode, ErrKindCompute, err.Error())
				return
			}
			snap := returns.Compute(schemeCode, history, asOf)
			for _, anomaly := range snap.Anomalies {
				// Data-quality problem, not a run fault: the period is
				// already absent, surface it for investigation.
				o.Logger.Error("NAV data-quality anomaly",
					zap.String("scheme", schemeCode),
					zap.String("detail", anomaly))
			}
			mu.Lock()
			rows = append(rows, snap.Row(computedAt))
			mu.Unlock()
		})
	}
	_ = group.Wait()

	for start := 0; start < len(rows); start += persistChunkSize {
		end := min(start+persistChunkSize, len(rows))
		if err := o.Store.ReplaceReturns(ctx, rows[start:end]); err != nil {
			for _, r := range rows[start:end] {
				run.addFailure(r.SchemeCode, ErrKindCompute, err.Error())
			}
			o.Logger.Warn("Replace returns batch failed",
				zap.Int("schemes", end-start),
				zap.Error(err))
		}
	}

	o.Logger.Info("Returns recomputed",
		zap.Int("schemes", len(rows)),
		zap.Time("as_of", asOf))
}
