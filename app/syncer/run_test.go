package syncer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunLifecycle(t *testing.T) {
	run := NewRun()
	require.Equal(t, StatePending, run.State())
	require.False(t, run.Done())

	run.setState(StateFetching)
	run.setTargets(10)
	run.setState(StatePersisting)
	run.markProcessed(4)
	run.addRecords(400)
	run.setState(StateComputing)
	run.finish(StateCompleted)

	require.True(t, run.Done())
	st := run.Status()
	require.Equal(t, StateCompleted, st.State)
	require.Equal(t, 10, st.TargetSchemes)
	require.Equal(t, 4, st.ProcessedSchemes)
	require.Equal(t, 400, st.RecordsProcessed)
	require.NotNil(t, st.CompletedAt)
	require.Empty(t, st.FatalReason)
}

func TestRunFirstFailureWins(t *testing.T) {
	run := NewRun()
	run.addFailure("A", ErrKindFetch, "timeout")
	run.addFailure("A", ErrKindPersist, "later failure should not replace")

	failures := run.FailureList()
	require.Len(t, failures, 1)
	require.Equal(t, ErrKindFetch, failures[0].Kind)
	require.Equal(t, "timeout", failures[0].Reason)
}

func TestOutcomeSuccessRequiresCleanCompletion(t *testing.T) {
	clean := NewRun()
	clean.finish(StateCompleted)
	require.True(t, clean.Outcome().Success)

	partial := NewRun()
	partial.addFailure("B", ErrKindFetch, "boom")
	partial.finish(StateCompleted)
	require.False(t, partial.Outcome().Success)

	fatal := NewRun()
	fatal.fail("registry down")
	require.False(t, fatal.Outcome().Success)
	require.Equal(t, StateFailed, fatal.State())
	require.Equal(t, "registry down", fatal.Status().FatalReason)
}
