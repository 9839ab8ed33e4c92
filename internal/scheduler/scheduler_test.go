package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcenon/ad-sdlc/internal/dispatch"
	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
	"github.com/kcenon/ad-sdlc/internal/priority"
	"github.com/kcenon/ad-sdlc/internal/scratchpad"
)

func newTestAnalyzer(t *testing.T, g priority.Graph) *priority.Analyzer {
	t.Helper()
	a, err := priority.Analyze(g, priority.Weights{})
	require.NoError(t, err)
	return a
}

func newTestDispatcher(succeed bool) *dispatch.Dispatcher {
	in := dispatch.NewInProcessTransport()
	in.Register("dev", func(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
		if !succeed {
			return nil, errs.New(errs.KindTimeout, "agent failed")
		}
		return &dispatch.Response{Success: true, Output: "done"}, nil
	})
	return dispatch.New(in)
}

func TestSchedulerDrainsIndependentIssuesToCompletion(t *testing.T) {
	root := t.TempDir()
	sp := scratchpad.New(root, time.Second)

	a := newTestAnalyzer(t, priority.Graph{
		Nodes: []priority.Node{
			{ID: "a", Priority: model.PriorityP1, Effort: model.EffortS},
			{ID: "b", Priority: model.PriorityP1, Effort: model.EffortS},
		},
	})

	sched := New(sp, newTestDispatcher(true), a, Config{
		MaxWorkers:    2,
		CycleInterval: 10 * time.Millisecond,
		Retry:         RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Strategy: StrategyConstant},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sched.Start(ctx, "proj-1")
	require.NoError(t, err)

	st := sched.State()
	require.ElementsMatch(t, []string{"a", "b"}, st.Queue.Completed)
	require.Empty(t, st.Queue.Ready)
	require.Empty(t, st.Queue.InProgress)
}

func TestSchedulerRespectsDependencyOrder(t *testing.T) {
	root := t.TempDir()
	sp := scratchpad.New(root, time.Second)

	a := newTestAnalyzer(t, priority.Graph{
		Nodes: []priority.Node{
			{ID: "a", Priority: model.PriorityP1, Effort: model.EffortS},
			{ID: "b", Priority: model.PriorityP1, Effort: model.EffortS},
		},
		Edges: []priority.Edge{{From: "a", To: "b"}},
	})

	sched := New(sp, newTestDispatcher(true), a, Config{
		MaxWorkers:    2,
		CycleInterval: 10 * time.Millisecond,
		Retry:         RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Strategy: StrategyConstant},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sched.Start(ctx, "proj-2")
	require.NoError(t, err)

	st := sched.State()
	require.ElementsMatch(t, []string{"a", "b"}, st.Queue.Completed)
}

func TestSchedulerReportsDeadlockWhenAllWorkFails(t *testing.T) {
	root := t.TempDir()
	sp := scratchpad.New(root, time.Second)

	a := newTestAnalyzer(t, priority.Graph{
		Nodes: []priority.Node{
			{ID: "a", Priority: model.PriorityP1, Effort: model.EffortS},
			{ID: "b", Priority: model.PriorityP1, Effort: model.EffortS},
		},
		Edges: []priority.Edge{{From: "a", To: "b"}},
	})

	sched := New(sp, newTestDispatcher(false), a, Config{
		MaxWorkers:    1,
		CycleInterval: 5 * time.Millisecond,
		Retry:         RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Strategy: StrategyConstant},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sched.Start(ctx, "proj-3")
	require.Error(t, err)
	require.Equal(t, errs.KindDeadlockOrBlocked, errs.KindOf(err))

	st := sched.State()
	require.ElementsMatch(t, []string{"a"}, st.Queue.Failed)
	require.ElementsMatch(t, []string{"b"}, st.Queue.Pending)
}

func TestSchedulerPersistsAndReloadsControllerState(t *testing.T) {
	root := t.TempDir()
	sp := scratchpad.New(root, time.Second)

	a := newTestAnalyzer(t, priority.Graph{
		Nodes: []priority.Node{{ID: "a", Priority: model.PriorityP1, Effort: model.EffortS}},
	})

	sched := New(sp, newTestDispatcher(true), a, Config{
		MaxWorkers:    1,
		CycleInterval: 5 * time.Millisecond,
		Retry:         RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Strategy: StrategyConstant},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sched.Start(ctx, "proj-4"))

	ref := sched.controllerStateRef("proj-4")
	exists, err := sp.Exists(ref)
	require.NoError(t, err)
	require.True(t, exists)
}

// TestSchedulerRecoversIssueStuckInProgressFromCrashedRun simulates a
// process that crashed mid-dispatch: a prior ControllerState is persisted
// with an issue left in Queue.InProgress, but no worker is actually
// running it. A fresh Scheduler built against the same Scratchpad must
// reconcile that issue back into the queue and drive it to completion,
// rather than leaving it stranded forever.
func TestSchedulerRecoversIssueStuckInProgressFromCrashedRun(t *testing.T) {
	root := t.TempDir()
	sp := scratchpad.New(root, time.Second)

	a := newTestAnalyzer(t, priority.Graph{
		Nodes: []priority.Node{{ID: "a", Priority: model.PriorityP1, Effort: model.EffortS}},
	})

	ref := scratchpad.Ref{ProjectID: "proj-5", Section: scratchpad.SectionProgress, LogicalName: "state"}
	crashed := model.ControllerState{
		SchemaVersion: "1.0",
		SessionID:     "dead-session",
		ProjectID:     "proj-5",
		Queue:         model.Queue{InProgress: []string{"a"}},
		TotalIssues:   1,
	}
	require.NoError(t, sp.WriteTyped(ref, scratchpad.FormatJSON, "1.0", &crashed))

	sched := New(sp, newTestDispatcher(true), a, Config{
		MaxWorkers:    1,
		CycleInterval: 5 * time.Millisecond,
		Retry:         RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Strategy: StrategyConstant},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Start(ctx, "proj-5"))

	st := sched.State()
	require.ElementsMatch(t, []string{"a"}, st.Queue.Completed)
	require.Empty(t, st.Queue.InProgress)
	require.Equal(t, 1, st.RecoveryAttempts["a"])
}

// TestSchedulerFailsIssueAfterExhaustingRecoveryAttempts confirms a crash
// loop does not retry the same issue forever: once RecoveryAttempts for an
// issue exceeds the retry budget, the next Start moves it to Failed.
func TestSchedulerFailsIssueAfterExhaustingRecoveryAttempts(t *testing.T) {
	root := t.TempDir()
	sp := scratchpad.New(root, time.Second)

	a := newTestAnalyzer(t, priority.Graph{
		Nodes: []priority.Node{{ID: "a", Priority: model.PriorityP1, Effort: model.EffortS}},
	})

	ref := scratchpad.Ref{ProjectID: "proj-6", Section: scratchpad.SectionProgress, LogicalName: "state"}
	crashed := model.ControllerState{
		SchemaVersion:    "1.0",
		ProjectID:        "proj-6",
		Queue:            model.Queue{InProgress: []string{"a"}},
		TotalIssues:      1,
		RecoveryAttempts: map[string]int{"a": 1},
	}
	require.NoError(t, sp.WriteTyped(ref, scratchpad.FormatJSON, "1.0", &crashed))

	sched := New(sp, newTestDispatcher(true), a, Config{
		MaxWorkers:    1,
		CycleInterval: 5 * time.Millisecond,
		Retry:         RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Strategy: StrategyConstant},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Start(ctx, "proj-6"))

	st := sched.State()
	require.ElementsMatch(t, []string{"a"}, st.Queue.Failed)
	require.Empty(t, st.Queue.InProgress)
}
