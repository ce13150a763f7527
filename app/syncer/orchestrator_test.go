package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fundscope/fundscope/pkg/db/funds"
	models "github.com/fundscope/fundscope/pkg/db/models/funds"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	mu      sync.Mutex
	points  map[string]models.NavPoint
	funds   map[string]models.Fund
	returns map[string]*models.FundReturns

	upsertErr  error
	replaceErr error
	rangeErr   map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		points:  make(map[string]models.NavPoint),
		funds:   make(map[string]models.Fund),
		returns: make(map[string]*models.FundReturns),
	}
}

func (s *fakeStore) Close() error         { return nil }
func (s *fakeStore) DatabaseName() string { return "funds_test" }

func (s *fakeStore) UpsertNavPoints(_ context.Context, pts []models.NavPoint, info map[string]funds.SchemeInfo) (funds.UpsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return funds.UpsertStats{}, s.upsertErr
	}
	var stats funds.UpsertStats
	for _, p := range pts {
		if _, ok := s.points[p.Key()]; ok {
			stats.Updated++
		} else {
			stats.Inserted++
		}
		s.points[p.Key()] = p
	}
	for code, p := range funds.LatestPerScheme(pts) {
		prev, ok := s.funds[code]
		if ok && prev.LatestNavDate.After(p.Date) {
			continue
		}
		s.funds[code] = models.Fund{
			SchemeCode:    code,
			SchemeName:    info[code].Name,
			Category:      info[code].Category,
			LatestNav:     p.Value,
			LatestNavDate: p.Date,
		}
	}
	return stats, nil
}

func (s *fakeStore) LatestBefore(_ context.Context, schemeCode string, date time.Time) (*models.NavPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.NavPoint
	for _, p := range s.points {
		if p.SchemeCode != schemeCode || p.Date.After(date) {
			continue
		}
		if best == nil || p.Date.After(best.Date) {
			q := p
			best = &q
		}
	}
	return best, nil
}

func (s *fakeStore) RangeDescending(_ context.Context, schemeCode string, limit int) ([]models.NavPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rangeErr[schemeCode]; err != nil {
		return nil, err
	}
	out := make([]models.NavPoint, 0)
	for _, p := range s.points {
		if p.SchemeCode == schemeCode {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ReplaceReturns(_ context.Context, rows []*models.FundReturns) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	for _, row := range rows {
		s.returns[row.SchemeCode] = row
	}
	return nil
}

func (s *fakeStore) ListSchemeCodes(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.funds))
	for c := range s.funds {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes, nil
}

func (s *fakeStore) GetFund(_ context.Context, schemeCode string) (*models.Fund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.funds[schemeCode]; ok {
		return &f, nil
	}
	return nil, nil
}

func (s *fakeStore) GetReturns(_ context.Context, schemeCode string) (*models.FundReturns, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returns[schemeCode], nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	bulk     string
	bulkBody io.ReadCloser
	bulkErr  error
	docs     map[string]string
	docErrs  map[string]error
	fetched  []string
}

func (f *fakeFetcher) BulkFeed(context.Context) (io.ReadCloser, error) {
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	if f.bulkBody != nil {
		return f.bulkBody, nil
	}
	return io.NopCloser(strings.NewReader(f.bulk)), nil
}

// truncatedReader serves its payload on the first read and then fails,
// imitating an upstream that drops the connection mid-download.
type truncatedReader struct {
	data string
	read bool
}

func (r *truncatedReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset mid-stream")
}

func (f *fakeFetcher) SchemeDocument(_ context.Context, schemeCode string) ([]byte, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, schemeCode)
	f.mu.Unlock()
	if err := f.docErrs[schemeCode]; err != nil {
		return nil, err
	}
	doc, ok := f.docs[schemeCode]
	if !ok {
		return nil, fmt.Errorf("no document for %s", schemeCode)
	}
	return []byte(doc), nil
}

func schemeDoc(name string, rows ...string) string {
	var b strings.Builder
	b.WriteString(`{"meta":{"scheme_name":"` + name + `","scheme_category":"Equity"},"data":[`)
	for i, row := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(row)
	}
	b.WriteString(`]}`)
	return b.String()
}

func navRow(date, nav string) string {
	return fmt.Sprintf(`{"date":%q,"nav":%q}`, date, nav)
}

func newTestOrchestrator(t *testing.T, store funds.Store, fetcher Fetcher, reg Registry) *Orchestrator {
	t.Helper()
	return &Orchestrator{
		Store:    store,
		Fetcher:  fetcher,
		Registry: reg,
		Logger:   zaptest.NewLogger(t),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
}

func TestPerSchemeRunPartialFailure(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		docs: map[string]string{
			"A": schemeDoc("Fund A", navRow("01-01-2024", "100.0"), navRow("02-01-2024", "101.0")),
			"C": schemeDoc("Fund C", navRow("02-01-2024", "50.5")),
		},
		docErrs: map[string]error{"B": errors.New("connection reset")},
	}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{"A", "B", "C"})

	run := NewRun()
	outcome := o.Execute(context.Background(), run, Options{
		Mode:    ModePerScheme,
		AsOf:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Workers: 2,
	})

	require.Equal(t, StateCompleted, run.State())
	require.False(t, outcome.Success)
	require.Equal(t, 3, outcome.RecordsProcessed)

	st := run.Status()
	require.Equal(t, 3, st.TargetSchemes)
	require.Equal(t, 2, st.ProcessedSchemes)
	require.Len(t, st.FailedSchemes, 1)
	require.Equal(t, "B", st.FailedSchemes[0].SchemeCode)
	require.Equal(t, ErrKindFetch, st.FailedSchemes[0].Kind)

	// A's points landed, B left no trace.
	require.Len(t, store.points, 3)
	require.Equal(t, 101.0, store.funds["A"].LatestNav)
	require.Equal(t, "Fund A", store.funds["A"].SchemeName)
	require.NotContains(t, store.funds, "B")

	// Returns recomputed only for the schemes that received data.
	require.Contains(t, store.returns, "A")
	require.Contains(t, store.returns, "C")
	require.NotContains(t, store.returns, "B")
}

func TestPerSchemeRunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		docs: map[string]string{
			"A": schemeDoc("Fund A", navRow("01-01-2024", "100.0")),
		},
	}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{"A"})

	asOf := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	first := o.Execute(context.Background(), NewRun(), Options{Mode: ModePerScheme, AsOf: asOf})
	second := o.Execute(context.Background(), NewRun(), Options{Mode: ModePerScheme, AsOf: asOf})

	require.True(t, first.Success)
	require.True(t, second.Success)
	require.Len(t, store.points, 1)
	require.Equal(t, 1, first.RecordsProcessed)
	require.Equal(t, 1, second.RecordsProcessed)
}

func TestPerSchemeUnparseableDocument(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		docs: map[string]string{"A": `{"meta": not json`},
	}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{"A"})

	run := NewRun()
	o.Execute(context.Background(), run, Options{Mode: ModePerScheme})

	failures := run.FailureList()
	require.Len(t, failures, 1)
	require.Equal(t, ErrKindParse, failures[0].Kind)
	require.Empty(t, store.points)
}

func TestPerSchemeEmptyHistoryIsProcessedNotFailed(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		docs: map[string]string{"A": schemeDoc("New Fund")},
	}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{"A"})

	run := NewRun()
	outcome := o.Execute(context.Background(), run, Options{Mode: ModePerScheme})

	require.True(t, outcome.Success)
	require.Equal(t, 1, run.Status().ProcessedSchemes)
	require.Empty(t, store.returns)
}

func TestPerSchemeBatchingAndDelay(t *testing.T) {
	store := newFakeStore()
	docs := make(map[string]string, 5)
	codes := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		code := fmt.Sprintf("S%d", i)
		codes = append(codes, code)
		docs[code] = schemeDoc("Fund "+code, navRow("01-01-2024", "10.0"))
	}
	fetcher := &fakeFetcher{docs: docs}

	var sleeps []time.Duration
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry(codes))
	o.Sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	outcome := o.Execute(context.Background(), NewRun(), Options{
		Mode:       ModePerScheme,
		BatchSize:  2,
		Workers:    2,
		BatchDelay: 250 * time.Millisecond,
	})

	require.True(t, outcome.Success)
	// Five schemes in batches of two: the delay fires between batches, not
	// after the last one.
	require.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, sleeps)
	require.Len(t, fetcher.fetched, 5)
}

func TestPerSchemeCancellationDrainsBatch(t *testing.T) {
	store := newFakeStore()
	docs := make(map[string]string, 4)
	codes := []string{"S0", "S1", "S2", "S3"}
	for _, code := range codes {
		docs[code] = schemeDoc("Fund "+code, navRow("01-01-2024", "10.0"))
	}
	fetcher := &fakeFetcher{docs: docs}

	ctx, cancel := context.WithCancel(context.Background())
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry(codes))
	o.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	run := NewRun()
	outcome := o.Execute(ctx, run, Options{Mode: ModePerScheme, BatchSize: 2, Workers: 2})

	require.Equal(t, StateFailed, run.State())
	require.False(t, outcome.Success)
	// First batch drained fully before the stop.
	require.Equal(t, 2, run.Status().ProcessedSchemes)
	require.Len(t, fetcher.fetched, 2)

	// Recompute never runs on a cancelled context; the touched schemes carry
	// no spurious compute failures and no snapshot writes.
	require.Empty(t, store.returns)
	for _, f := range run.FailureList() {
		require.NotEqual(t, ErrKindCompute, f.Kind)
	}
}

func TestRegistryErrorIsFatal(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, &fakeFetcher{}, failingRegistry{})

	run := NewRun()
	outcome := o.Execute(context.Background(), run, Options{Mode: ModePerScheme})

	require.Equal(t, StateFailed, run.State())
	require.False(t, outcome.Success)
	require.Contains(t, run.Status().FatalReason, "registry")
}

type failingRegistry struct{}

func (failingRegistry) Schemes(context.Context) ([]string, error) {
	return nil, errors.New("registry down")
}

const testFeed = `Scheme Code;ISIN Div Payout/ ISIN Growth;ISIN Div Reinvestment;Scheme Name;Net Asset Value;Date

Open Ended Schemes(Equity Scheme)
Alpha Mutual Fund
100001;INF001;INF002;Alpha Growth Fund;101.5000;02-Jan-2024
100002;INF003;INF004;Alpha Value Fund;55.2500;02-Jan-2024
100003;INF005;INF006;Beta Liquid Fund;1000.0000;02-Jan-2024
`

func TestBulkRunIngestsFeed(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{bulk: testFeed}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{})

	run := NewRun()
	outcome := o.Execute(context.Background(), run, Options{
		Mode: ModeBulk,
		AsOf: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	})

	require.True(t, outcome.Success)
	require.Equal(t, StateCompleted, run.State())
	require.Equal(t, 3, outcome.RecordsProcessed)

	st := run.Status()
	require.Equal(t, 3, st.TargetSchemes)
	require.Equal(t, 3, st.ProcessedSchemes)

	require.Equal(t, 101.5, store.funds["100001"].LatestNav)
	require.Equal(t, "Alpha Growth Fund", store.funds["100001"].SchemeName)
	require.Len(t, store.returns, 3)
}

func TestBulkRunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{bulk: testFeed}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{})

	first := o.Execute(context.Background(), NewRun(), Options{Mode: ModeBulk})
	second := o.Execute(context.Background(), NewRun(), Options{Mode: ModeBulk})

	require.True(t, first.Success)
	require.True(t, second.Success)
	require.Len(t, store.points, 3)
}

func TestBulkFetchErrorIsFatal(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{bulkErr: errors.New("all endpoints unavailable")}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{})

	run := NewRun()
	outcome := o.Execute(context.Background(), run, Options{Mode: ModeBulk})

	require.Equal(t, StateFailed, run.State())
	require.False(t, outcome.Success)
	require.Contains(t, run.Status().FatalReason, "bulk feed")
}

func TestBulkTruncationIsNotFullSuccess(t *testing.T) {
	store := newFakeStore()
	feed := "100001;INF001;INF002;Alpha Growth Fund;101.5000;02-Jan-2024\n"
	fetcher := &fakeFetcher{bulkBody: io.NopCloser(&truncatedReader{data: feed})}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{})

	run := NewRun()
	outcome := o.Execute(context.Background(), run, Options{Mode: ModeBulk})

	// What arrived before the break stands, but an unknown remainder of the
	// universe never did: the outcome must say so.
	require.Equal(t, StateCompleted, run.State())
	require.False(t, outcome.Success)
	require.Len(t, outcome.FailedSchemes, 1)
	require.Equal(t, ErrKindFetch, outcome.FailedSchemes[0].Kind)
	require.Contains(t, outcome.FailedSchemes[0].Reason, "truncated")
	require.Len(t, store.points, 1)
	require.Equal(t, 1, run.Status().ProcessedSchemes)
}

func TestBulkSchemeStraddlingChunksCountedOnce(t *testing.T) {
	var b strings.Builder
	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i <= persistChunkSize; i++ {
		fmt.Fprintf(&b, "100001;INF001;INF002;Alpha Growth Fund;10.5000;%s\n",
			day.AddDate(0, 0, i).Format("02-Jan-2006"))
	}
	store := newFakeStore()
	fetcher := &fakeFetcher{bulk: b.String()}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{})

	run := NewRun()
	outcome := o.Execute(context.Background(), run, Options{Mode: ModeBulk})

	require.True(t, outcome.Success)
	st := run.Status()
	// One scheme spanning two insert chunks is still one target.
	require.Equal(t, 1, st.TargetSchemes)
	require.Equal(t, 1, st.ProcessedSchemes)
	require.Equal(t, persistChunkSize+1, outcome.RecordsProcessed)
}

func TestBulkPersistFailureMarksWholeBatch(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("clickhouse write failed")
	fetcher := &fakeFetcher{bulk: testFeed}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{})

	run := NewRun()
	outcome := o.Execute(context.Background(), run, Options{Mode: ModeBulk})

	// The run itself completes; every scheme in the failed batch is reported.
	require.Equal(t, StateCompleted, run.State())
	require.False(t, outcome.Success)
	require.Len(t, outcome.FailedSchemes, 3)
	for _, f := range outcome.FailedSchemes {
		require.Equal(t, ErrKindPersist, f.Kind)
	}
	require.Equal(t, 0, run.Status().ProcessedSchemes)
}

func TestComputeReadFailureIsRecorded(t *testing.T) {
	store := newFakeStore()
	store.rangeErr = map[string]error{"A": errors.New("read timeout")}
	fetcher := &fakeFetcher{
		docs: map[string]string{
			"A": schemeDoc("Fund A", navRow("01-01-2024", "100.0")),
			"B": schemeDoc("Fund B", navRow("01-01-2024", "200.0")),
		},
	}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{"A", "B"})

	run := NewRun()
	outcome := o.Execute(context.Background(), run, Options{Mode: ModePerScheme})

	require.False(t, outcome.Success)
	failures := run.FailureList()
	require.Len(t, failures, 1)
	require.Equal(t, "A", failures[0].SchemeCode)
	require.Equal(t, ErrKindCompute, failures[0].Kind)
	require.Contains(t, store.returns, "B")
	require.NotContains(t, store.returns, "A")
}

func TestSchemesOptionOverridesRegistry(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		docs: map[string]string{
			"A": schemeDoc("Fund A", navRow("01-01-2024", "100.0")),
		},
	}
	// The registry would offer nothing; the explicit list wins.
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{})

	outcome := o.Execute(context.Background(), NewRun(), Options{
		Mode:    ModePerScheme,
		Schemes: []string{"A"},
	})

	require.True(t, outcome.Success)
	require.Equal(t, []string{"A"}, fetcher.fetched)
}

type recordingNotifier struct {
	mu       sync.Mutex
	channels []string
}

func (n *recordingNotifier) PublishJSON(_ context.Context, channel string, _ any) {
	n.mu.Lock()
	n.channels = append(n.channels, channel)
	n.mu.Unlock()
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{bulk: testFeed}
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, store, fetcher, StaticRegistry{})
	o.Notifier = notifier

	o.Execute(context.Background(), NewRun(), Options{Mode: ModeBulk})

	require.Equal(t, "sync:run:started", notifier.channels[0])
	require.Equal(t, "sync:run:completed", notifier.channels[len(notifier.channels)-1])
}
