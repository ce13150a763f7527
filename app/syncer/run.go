package syncer

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// State is the lifecycle stage of a sync run.
type State string

const (
	StatePending    State = "pending"
	StateFetching   State = "fetching"
	StatePersisting State = "persisting"
	StateComputing  State = "computing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ErrorKind classifies why a scheme did not complete.
type ErrorKind string

const (
	ErrKindFetch   ErrorKind = "fetch"
	ErrKindParse   ErrorKind = "parse"
	ErrKindPersist ErrorKind = "persist"
	ErrKindCompute ErrorKind = "compute"
)

// SchemeFailure records one scheme that did not complete in a run.
type SchemeFailure struct {
	SchemeCode string    `json:"schemeCode"`
	Kind       ErrorKind `json:"kind"`
	Reason     string    `json:"reason"`
}

// Run is the live state of one orchestration pass. It is queryable while the
// pass executes: counters only ever advance, failures accumulate, and the
// state moves strictly forward. Runs are ephemeral; a restarted process just
// starts a fresh one, which is safe because persistence is idempotent.
type Run struct {
	startedAt time.Time

	state       atomic.Value // State
	targetCount atomic.Int64
	processed   atomic.Int64
	records     atomic.Int64
	completedAt atomic.Value // time.Time
	fatal       atomic.Value // string

	failures *xsync.Map[string, SchemeFailure]
}

// NewRun returns a pending run.
func NewRun() *Run {
	r := &Run{
		startedAt: time.Now(),
		failures:  xsync.NewMap[string, SchemeFailure](),
	}
	r.state.Store(StatePending)
	return r
}

// State returns the current lifecycle stage.
func (r *Run) State() State {
	return r.state.Load().(State)
}

func (r *Run) setState(s State) {
	r.state.Store(s)
}

// setTargets records the size of the scheme universe this run covers.
func (r *Run) setTargets(n int) {
	r.targetCount.Store(int64(n))
}

// markProcessed advances the processed-schemes counter.
func (r *Run) markProcessed(n int) {
	r.processed.Add(int64(n))
}

// addRecords advances the persisted NAV point counter.
func (r *Run) addRecords(n int) {
	r.records.Add(int64(n))
}

// addFailure records a scheme-level failure. The first failure for a scheme
// wins; later stages do not reclassify it.
func (r *Run) addFailure(schemeCode string, kind ErrorKind, reason string) {
	r.failures.LoadOrStore(schemeCode, SchemeFailure{
		SchemeCode: schemeCode,
		Kind:       kind,
		Reason:     reason,
	})
}

// fail transitions the run to the terminal Failed state with a fatal reason.
func (r *Run) fail(reason string) {
	r.fatal.Store(reason)
	r.finish(StateFailed)
}

func (r *Run) finish(s State) {
	r.completedAt.Store(time.Now())
	r.setState(s)
}

// FailureList returns a snapshot of the accumulated scheme failures.
func (r *Run) FailureList() []SchemeFailure {
	out := make([]SchemeFailure, 0)
	r.failures.Range(func(_ string, f SchemeFailure) bool {
		out = append(out, f)
		return true
	})
	return out
}

// Status is a point-in-time view of a run, safe to serve while it executes.
type Status struct {
	State            State           `json:"state"`
	TargetSchemes    int             `json:"targetSchemes"`
	ProcessedSchemes int             `json:"processedSchemes"`
	RecordsProcessed int             `json:"recordsProcessed"`
	FailedSchemes    []SchemeFailure `json:"failedSchemes"`
	FatalReason      string          `json:"fatalReason,omitempty"`
	StartedAt        time.Time       `json:"startedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// Status snapshots the run.
func (r *Run) Status() Status {
	st := Status{
		State:            r.State(),
		TargetSchemes:    int(r.targetCount.Load()),
		ProcessedSchemes: int(r.processed.Load()),
		RecordsProcessed: int(r.records.Load()),
		FailedSchemes:    r.FailureList(),
		StartedAt:        r.startedAt,
	}
	if v := r.completedAt.Load(); v != nil {
		t := v.(time.Time)
		st.CompletedAt = &t
	}
	if v := r.fatal.Load(); v != nil {
		st.FatalReason = v.(string)
	}
	return st
}

// Outcome is the result object handed to the invocation boundary once a run
// reaches a terminal state. Partial success is always explicit: Success is
// only true when every targeted scheme completed.
type Outcome struct {
	Success          bool            `json:"success"`
	RecordsProcessed int             `json:"recordsProcessed"`
	FailedSchemes    []SchemeFailure `json:"failedSchemes"`
	DurationMs       float64         `json:"durationMs"`
}

// Outcome summarizes a finished run.
func (r *Run) Outcome() Outcome {
	end := time.Now()
	if v := r.completedAt.Load(); v != nil {
		end = v.(time.Time)
	}
	failed := r.FailureList()
	return Outcome{
		Success:          r.State() == StateCompleted && len(failed) == 0,
		RecordsProcessed: int(r.records.Load()),
		FailedSchemes:    failed,
		DurationMs:       float64(end.Sub(r.startedAt).Microseconds()) / 1000.0,
	}
}

// Done reports whether the run reached a terminal state.
func (r *Run) Done() bool {
	s := r.State()
	return s == StateCompleted || s == StateFailed
}
