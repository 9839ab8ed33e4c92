// Package scheduler implements the Controller/Scheduler (§4.7): it turns an
// immutable issue DAG into a stream of completed work, maintaining durable
// progress across a fixed-size worker pool.
//
// The per-tick critical section is grounded directly on the teacher's
// orchestrator.go runCycle (o.mu.Lock(); defer o.mu.Unlock() guarding
// reap-then-dispatch-then-persist); the worker-pool fan-out is grounded on
// orchestrator.go's wg.Add/go/wg.Done per-ticket goroutine pattern, rebuilt
// on golang.org/x/sync/errgroup for cleaner cancellation propagation. The
// worktree-count backpressure idiom in worktree_manager.go is the
// antecedent for bounding inProgress by idle worker count here. Self-healing
// reconciliation is grounded on background.go's healStuckDevTickets.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/kcenon/ad-sdlc/internal/dispatch"
	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
	"github.com/kcenon/ad-sdlc/internal/priority"
	"github.com/kcenon/ad-sdlc/internal/scratchpad"
)

const controllerStateSchemaVersion = "1.0"

// Config parameterizes one Scheduler.
type Config struct {
	MaxWorkers    int
	CycleInterval time.Duration
	Retry         RetryPolicy
	Breaker       gobreaker.Settings
	AgentType     func(issueID string) string // resolves which agent type handles an issue
	Logger        *slog.Logger
}

// Scheduler runs the dispatch loop described in §4.7 against one project's
// issue graph.
type Scheduler struct {
	sp         *scratchpad.Scratchpad
	dispatcher *dispatch.Dispatcher
	analyzer   *priority.Analyzer
	cfg        Config
	logger     *slog.Logger

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	mu      sync.Mutex // guards state + workers, held for one tick's critical section
	state   model.ControllerState
	workers []model.Worker

	futures map[string]chan workResult // issueID -> pending result channel

	cancel context.CancelFunc
	eg     *errgroup.Group
}

type workResult struct {
	issueID string
	result  model.ImplementationResult
}

// New builds a Scheduler. analyzer must already hold the project's issue
// graph (Analyze having succeeded); sp persists ControllerState.
func New(sp *scratchpad.Scratchpad, dispatcher *dispatch.Dispatcher, analyzer *priority.Analyzer, cfg Config) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 2 * time.Second
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	workers := make([]model.Worker, cfg.MaxWorkers)
	for i := range workers {
		workers[i] = model.Worker{ID: fmt.Sprintf("worker-%d", i), Status: model.WorkerIdle}
	}
	return &Scheduler{
		sp:         sp,
		dispatcher: dispatcher,
		analyzer:   analyzer,
		cfg:        cfg,
		logger:     cfg.Logger,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		workers:    workers,
		futures:    make(map[string]chan workResult),
	}
}

func (s *Scheduler) controllerStateRef(projectID string) scratchpad.Ref {
	return scratchpad.Ref{ProjectID: projectID, Section: scratchpad.SectionProgress, LogicalName: "state"}
}

// Start loads or creates ControllerState, partitions nodes into
// ready/pending, and runs the dispatch loop until Stop is called, the
// issue graph drains, or a DeadlockOrBlocked condition is reached.
func (s *Scheduler) Start(ctx context.Context, projectID string) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	s.eg = eg

	if err := s.loadOrInitState(projectID); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-egCtx.Done():
			s.logger.Info("scheduler cancelled", "project", projectID)
			return s.eg.Wait()

		case <-ticker.C:
			done, err := s.runTick(egCtx, projectID)
			if err != nil {
				s.eg.Wait()
				return err
			}
			if done {
				return s.eg.Wait()
			}
		}
	}
}

// Stop requests cooperative shutdown by cancelling the scheduler's context.
// Start then waits for in-flight worker invocations to return and exits
// without running another tick: their results are neither reaped nor
// persisted, so the state on disk is the one written by the last tick,
// with those issues still in Queue.InProgress for the next Start to requeue.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) loadOrInitState(projectID string) error {
	ref := s.controllerStateRef(projectID)
	exists, err := s.sp.Exists(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if exists {
		var st model.ControllerState
		if err := s.sp.ReadTyped(ref, "1", &st); err != nil {
			return err
		}
		s.state = st
		for _, id := range st.Queue.Completed {
			s.analyzer.MarkCompleted(id)
		}
		s.reconcileStuckLocked(projectID)
		return s.persistStateLocked()
	}

	ready := s.analyzer.GetExecutableIssues()
	var pending []string
	for _, id := range s.analyzer.TopologicalOrder() {
		found := false
		for _, r := range ready {
			if r == id {
				found = true
				break
			}
		}
		if !found {
			pending = append(pending, id)
		}
	}

	s.state = model.ControllerState{
		SchemaVersion: controllerStateSchemaVersion,
		SessionID:     uuid.NewString(),
		ProjectID:     projectID,
		Queue:         model.Queue{Ready: ready, Pending: pending},
		Workers:       s.workers,
		TotalIssues:   len(s.analyzer.TopologicalOrder()),
	}
	return s.persistStateLocked()
}

// reconcileStuckLocked is the Controller's self-healing reconciliation
// pass, adapted from the teacher's background.go healStuckDevTickets: an
// issue left in Queue.InProgress by a prior, now-dead process has no live
// future in this process's s.futures map and would otherwise never
// complete, fail, or even surface as blocked. Every such issue is
// re-queued to the front of Ready for re-dispatch, up to the configured
// retry budget; beyond that it is moved to Failed so it does not silently
// stall the graph forever.
func (s *Scheduler) reconcileStuckLocked(projectID string) {
	stuck := s.state.Queue.InProgress
	if len(stuck) == 0 {
		return
	}
	s.state.Queue.InProgress = nil
	if s.state.RecoveryAttempts == nil {
		s.state.RecoveryAttempts = make(map[string]int)
	}

	for _, issueID := range stuck {
		s.state.RecoveryAttempts[issueID]++
		if s.state.RecoveryAttempts[issueID] > s.cfg.Retry.MaxAttempts {
			s.logger.Error("issue exhausted recovery attempts after restart, marking failed",
				"project", projectID, "issue", issueID, "attempts", s.state.RecoveryAttempts[issueID])
			s.state.Queue.Failed = append(s.state.Queue.Failed, issueID)
			s.state.FailedIssues++
			continue
		}
		s.logger.Warn("recovering issue stuck in-progress from a prior run",
			"project", projectID, "issue", issueID, "attempt", s.state.RecoveryAttempts[issueID])
		s.state.Queue.Ready = append([]string{issueID}, s.state.Queue.Ready...)
	}
}

func (s *Scheduler) persistStateLocked() error {
	s.state.Workers = s.workers
	return s.sp.WriteTyped(s.controllerStateRef(s.state.ProjectID), scratchpad.FormatJSON, controllerStateSchemaVersion, &s.state)
}

// runTick executes one reap-dispatch-persist critical section and reports
// whether the issue graph has drained (done=true) or must terminate with
// DeadlockOrBlocked (err != nil).
func (s *Scheduler) runTick(ctx context.Context, projectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reapCompletedLocked()
	s.dispatchReadyLocked(ctx, projectID)

	if err := s.persistStateLocked(); err != nil {
		s.logger.Error("failed to persist controller state", "error", err)
	}

	if len(s.state.Queue.Ready) == 0 && len(s.state.Queue.InProgress) == 0 {
		if len(s.state.Queue.Pending) == 0 {
			s.logger.Info("issue graph drained", "project", projectID)
			return true, nil
		}
		return true, errs.New(errs.KindDeadlockOrBlocked,
			fmt.Sprintf("%d issues blocked: all dependencies failed or blocked", len(s.state.Queue.Pending)))
	}
	return false, nil
}

// reapCompletedLocked drains every ready future into the queue, moving each
// issue to completed/failed/blocked and unblocking its satisfied successors.
func (s *Scheduler) reapCompletedLocked() {
	for issueID, ch := range s.futures {
		select {
		case wr := <-ch:
			delete(s.futures, issueID)
			s.applyResultLocked(wr.result)
		default:
		}
	}
}

func (s *Scheduler) applyResultLocked(result model.ImplementationResult) {
	s.persistResultLocked(result)

	s.state.Queue.InProgress = removeID(s.state.Queue.InProgress, result.IssueID)
	s.freeWorkerLocked(result.IssueID)

	switch result.Status {
	case model.ImplCompleted:
		s.state.Queue.Completed = append(s.state.Queue.Completed, result.IssueID)
		s.state.CompletedIssues++
		s.analyzer.MarkCompleted(result.IssueID)
		s.promoteReadySuccessorsLocked()
	case model.ImplBlocked:
		s.state.Queue.Blocked = append(s.state.Queue.Blocked, result.IssueID)
	default:
		s.state.Queue.Failed = append(s.state.Queue.Failed, result.IssueID)
		s.state.FailedIssues++
	}
}

// persistedResult is the on-disk shape of an ImplementationResult: same
// fields, but with Err rendered as a plain string since errors do not
// marshal.
type persistedResult struct {
	OrderID    string   `yaml:"orderId"`
	IssueID    string   `yaml:"issueId"`
	Status     string   `yaml:"status"`
	BranchName string   `yaml:"branchName,omitempty"`
	Changes    []string `yaml:"changes,omitempty"`
	TestsAdded []string `yaml:"testsAdded,omitempty"`
	CommitHash string   `yaml:"commitHash,omitempty"`
	Error      string   `yaml:"error,omitempty"`
}

// persistResultLocked writes an ImplementationResult to
// progress/<projectId>/results/<orderId>.yaml, independent of its effect
// on the in-memory queue.
func (s *Scheduler) persistResultLocked(result model.ImplementationResult) {
	ref := scratchpad.Ref{ProjectID: s.state.ProjectID, Section: scratchpad.SectionProgress, LogicalName: "results/" + result.OrderID}
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	data, err := yaml.Marshal(persistedResult{
		OrderID:    result.OrderID,
		IssueID:    result.IssueID,
		Status:     string(result.Status),
		BranchName: result.BranchName,
		Changes:    result.Changes,
		TestsAdded: result.TestsAdded,
		CommitHash: result.CommitHash,
		Error:      errMsg,
	})
	if err != nil {
		s.logger.Error("failed to marshal implementation result", "issue", result.IssueID, "error", err)
		return
	}
	if err := s.sp.Write(ref, scratchpad.FormatYAML, data); err != nil {
		s.logger.Error("failed to persist implementation result", "issue", result.IssueID, "error", err)
	}
}

// promoteReadySuccessorsLocked moves every pending issue whose dependencies
// are now fully completed into ready.
func (s *Scheduler) promoteReadySuccessorsLocked() {
	var stillPending []string
	for _, id := range s.state.Queue.Pending {
		if containsID(s.analyzer.GetExecutableIssues(), id) {
			s.state.Queue.Ready = append(s.state.Queue.Ready, id)
		} else {
			stillPending = append(stillPending, id)
		}
	}
	s.state.Queue.Pending = stillPending
}

// dispatchReadyLocked pops ready issues in priority order and hands each to
// an idle worker, until either idle workers or ready issues are exhausted.
func (s *Scheduler) dispatchReadyLocked(ctx context.Context, projectID string) {
	for len(s.state.Queue.Ready) > 0 {
		idleIdx := s.idleWorkerIndexLocked()
		if idleIdx < 0 {
			return
		}

		issueID := s.popHighestPriorityReadyLocked()
		if issueID == "" {
			return
		}

		order := model.WorkOrder{
			OrderID:   uuid.NewString(),
			IssueID:   issueID,
			CreatedAt: time.Now(),
			Priority:  s.analyzer.Score(issueID),
		}
		orderRef := scratchpad.Ref{ProjectID: projectID, Section: scratchpad.SectionProgress, LogicalName: "work_orders/" + order.OrderID}
		if err := s.sp.Write(orderRef, scratchpad.FormatYAML, marshalYAMLOrDie(order)); err != nil {
			s.logger.Error("failed to persist work order", "issue", issueID, "error", err)
		}

		s.workers[idleIdx].Status = model.WorkerWorking
		s.workers[idleIdx].CurrentIssue = issueID
		s.state.Queue.InProgress = append(s.state.Queue.InProgress, issueID)

		resultCh := make(chan workResult, 1)
		s.futures[issueID] = resultCh

		s.eg.Go(func() error {
			result := s.runWithRetry(ctx, order)
			resultCh <- workResult{issueID: issueID, result: result}
			return nil
		})
	}
}

func (s *Scheduler) idleWorkerIndexLocked() int {
	for i, w := range s.workers {
		if w.Status == model.WorkerIdle {
			return i
		}
	}
	return -1
}

func (s *Scheduler) freeWorkerLocked(issueID string) {
	for i, w := range s.workers {
		if w.CurrentIssue == issueID {
			s.workers[i].Status = model.WorkerIdle
			s.workers[i].CurrentIssue = ""
			s.workers[i].CompletedTasks++
			return
		}
	}
}

// popHighestPriorityReadyLocked removes and returns the first ready issue,
// which GetExecutableIssues/analyzer ordering has already tie-broken.
func (s *Scheduler) popHighestPriorityReadyLocked() string {
	order := s.analyzer.GetExecutableIssues()
	readySet := make(map[string]bool, len(s.state.Queue.Ready))
	for _, id := range s.state.Queue.Ready {
		readySet[id] = true
	}
	for _, id := range order {
		if readySet[id] {
			s.state.Queue.Ready = removeID(s.state.Queue.Ready, id)
			return id
		}
	}
	if len(s.state.Queue.Ready) == 0 {
		return ""
	}
	id := s.state.Queue.Ready[0]
	s.state.Queue.Ready = s.state.Queue.Ready[1:]
	return id
}

// runWithRetry invokes the worker through the Dispatcher, applying the
// retry policy and a per-agent-type circuit breaker. It runs outside the
// scheduler's critical section.
func (s *Scheduler) runWithRetry(ctx context.Context, order model.WorkOrder) model.ImplementationResult {
	agentType := "dev"
	if s.cfg.AgentType != nil {
		agentType = s.cfg.AgentType(order.IssueID)
	}
	breaker := s.breakerFor(agentType)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retry.MaxAttempts; attempt++ {
		resp, err := breaker.Execute(func() (interface{}, error) {
			return s.dispatcher.Dispatch(ctx, "implementing", dispatch.Request{
				AgentType: agentType,
				Input:     map[string]interface{}{"issueId": order.IssueID, "orderId": order.OrderID},
			}, time.Now().Add(5*time.Minute))
		})
		if err == nil {
			r, _ := resp.(*dispatch.Response)
			if r != nil && r.Success {
				return model.ImplementationResult{OrderID: order.OrderID, IssueID: order.IssueID, Status: model.ImplCompleted, Changes: r.Artifacts}
			}
			err = errs.New(errs.KindAgentDispatchError, r.Error)
		}

		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) {
			lastErr = errs.New(errs.KindCircuitOpen, "circuit open for agent type "+agentType)
			break
		}
		if errs.IsFatal(err) || !errs.IsRetryable(err) {
			break
		}
		if attempt < s.cfg.Retry.MaxAttempts {
			select {
			case <-time.After(s.cfg.Retry.Delay(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = s.cfg.Retry.MaxAttempts
			}
		}
	}

	return model.ImplementationResult{OrderID: order.OrderID, IssueID: order.IssueID, Status: model.ImplFailed, Err: lastErr}
}

func (s *Scheduler) breakerFor(name string) *gobreaker.CircuitBreaker {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	st := s.cfg.Breaker
	st.Name = name
	if st.Timeout == 0 {
		st.Timeout = 30 * time.Second
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	b := gobreaker.NewCircuitBreaker(st)
	s.breakers[name] = b
	return b
}

// State returns a snapshot of the current ControllerState.
func (s *Scheduler) State() model.ControllerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func marshalYAMLOrDie(order model.WorkOrder) []byte {
	data, err := yaml.Marshal(order)
	if err != nil {
		return []byte("{}")
	}
	return data
}
