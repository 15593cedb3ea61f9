package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"issueline/internal/config"
	"issueline/internal/db"
	"issueline/internal/domain"
	"issueline/internal/engine"
	"issueline/internal/migrate"
	"issueline/internal/notify"
	"issueline/internal/schedule"
	"issueline/internal/store"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	return newTestEnvWithConfig(t, config.Default("proj-1"))
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	t.Cleanup(eng.Scheduler.Shutdown)
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, opts engine.IssueCreateOptions) domain.Issue {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	i, err := env.Engine.CreateIssue(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create issue %q: %v", opts.Name, err)
	}
	return i
}

func (env testEnv) stateOf(t *testing.T, issueID string) domain.State {
	t.Helper()
	i, err := env.Engine.Store.GetIssue(env.Ctx, issueID)
	if err != nil {
		t.Fatalf("get issue %s: %v", issueID, err)
	}
	st, err := env.Engine.Store.GetState(env.Ctx, i.StateID)
	if err != nil {
		t.Fatalf("get state of %s: %v", issueID, err)
	}
	return st
}

func (env testEnv) setState(t *testing.T, issueID, name string) domain.State {
	t.Helper()
	st, err := env.Engine.UpdateState(env.Ctx, issueID, name, "tester")
	if err != nil {
		t.Fatalf("set %s to %s: %v", issueID, name, err)
	}
	return st
}

func TestInitialStateFollowsRequirementsFlag(t *testing.T) {
	env := newTestEnv(t)
	plain := env.create(t, engine.IssueCreateOptions{Name: "plain"})
	if env.stateOf(t, plain.ID).Name != domain.StateProcessing {
		t.Fatalf("issue without requirements should start Processing")
	}
	gated := env.create(t, engine.IssueCreateOptions{Name: "gated", Requirements: true})
	if env.stateOf(t, gated.ID).Name != domain.StateChecking {
		t.Fatalf("issue with requirements should start Checking")
	}
}

func TestNegotiationPath(t *testing.T) {
	env := newTestEnv(t)
	i := env.create(t, engine.IssueCreateOptions{Name: "spec work", Requirements: true})
	if st := env.setState(t, i.ID, domain.StateNegotiating); st.Name != domain.StateNegotiating {
		t.Fatalf("expected Negotiating, got %s", st.Name)
	}
	if st := env.setState(t, i.ID, domain.StateProcessing); st.Name != domain.StateProcessing {
		t.Fatalf("expected Processing, got %s", st.Name)
	}
}

func TestProcessingRedirectsToWaitingOnFutureStart(t *testing.T) {
	env := newTestEnv(t)
	i := env.create(t, engine.IssueCreateOptions{
		Name:         "later",
		Requirements: true,
		StartDate:    "2099-06-01T00:00:00Z",
	})
	env.setState(t, i.ID, domain.StateNegotiating)
	st := env.setState(t, i.ID, domain.StateProcessing)
	if st.Name != domain.StateWaiting {
		t.Fatalf("expected Waiting redirect, got %s", st.Name)
	}
}

func TestProcessingRedirectsToBlockedOnOpenPredecessor(t *testing.T) {
	env := newTestEnv(t)
	pred := env.create(t, engine.IssueCreateOptions{Name: "first"})
	succ := env.create(t, engine.IssueCreateOptions{Name: "second", Requirements: true})
	if err := env.Engine.SetPredecessor(env.Ctx, succ.ID, pred.ID, "tester"); err != nil {
		t.Fatalf("set predecessor: %v", err)
	}
	env.setState(t, succ.ID, domain.StateNegotiating)
	if st := env.setState(t, succ.ID, domain.StateProcessing); st.Name != domain.StateBlocked {
		t.Fatalf("expected Blocked redirect, got %s", st.Name)
	}

	// Concluding the predecessor frees the successor without another request.
	env.setState(t, pred.ID, domain.StateReview)
	env.setState(t, pred.ID, domain.StateCompleted)
	if st := env.stateOf(t, succ.ID); st.Name != domain.StateProcessing {
		t.Fatalf("expected successor unblocked to Processing, got %s", st.Name)
	}
}

func TestCancellingPredecessorUnblocksSuccessor(t *testing.T) {
	env := newTestEnv(t)
	pred := env.create(t, engine.IssueCreateOptions{Name: "doomed"})
	succ := env.create(t, engine.IssueCreateOptions{Name: "waiting on it", Requirements: true})
	if err := env.Engine.SetPredecessor(env.Ctx, succ.ID, pred.ID, "tester"); err != nil {
		t.Fatalf("set predecessor: %v", err)
	}
	env.setState(t, succ.ID, domain.StateNegotiating)
	env.setState(t, succ.ID, domain.StateProcessing)
	if env.stateOf(t, succ.ID).Name != domain.StateBlocked {
		t.Fatalf("successor should be Blocked before cancellation")
	}

	env.setState(t, pred.ID, domain.StateCancelled)
	if st := env.stateOf(t, succ.ID); st.Name != domain.StateProcessing {
		t.Fatalf("cancelled predecessor should unblock successor, got %s", st.Name)
	}
}

func TestCancelCascadesToDescendants(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, engine.IssueCreateOptions{Name: "epic", Estimate: 10})
	child := env.create(t, engine.IssueCreateOptions{Name: "step", Estimate: 4, ParentID: parent.ID})
	grandchild := env.create(t, engine.IssueCreateOptions{Name: "detail", Estimate: 1, ParentID: child.ID})
	done := env.create(t, engine.IssueCreateOptions{Name: "already done", Estimate: 2, ParentID: parent.ID})
	env.setState(t, done.ID, domain.StateReview)
	env.setState(t, done.ID, domain.StateCompleted)

	if st := env.setState(t, parent.ID, domain.StateCancelled); st.Name != domain.StateCancelled {
		t.Fatalf("expected Cancelled, got %s", st.Name)
	}
	for _, id := range []string{child.ID, grandchild.ID} {
		if st := env.stateOf(t, id); st.Name != domain.StateCancelled {
			t.Fatalf("descendant %s should be Cancelled, got %s", id, st.Name)
		}
	}
	// An already concluded descendant keeps its state.
	if st := env.stateOf(t, done.ID); st.Name != domain.StateCompleted {
		t.Fatalf("completed descendant must not be cancelled, got %s", st.Name)
	}
}

func TestReviewRequiresConcludedChildren(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, engine.IssueCreateOptions{Name: "parent", Estimate: 8})
	child := env.create(t, engine.IssueCreateOptions{Name: "child", Estimate: 3, ParentID: parent.ID})

	_, err := env.Engine.UpdateState(env.Ctx, parent.ID, domain.StateReview, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error while child is open, got %v", err)
	}

	env.setState(t, child.ID, domain.StateReview)
	env.setState(t, child.ID, domain.StateCompleted)
	if st := env.setState(t, parent.ID, domain.StateReview); st.Name != domain.StateReview {
		t.Fatalf("expected Review after child concluded, got %s", st.Name)
	}
}

func TestIllegalTransitionErrors(t *testing.T) {
	env := newTestEnv(t)
	i := env.create(t, engine.IssueCreateOptions{Name: "done deal"})
	env.setState(t, i.ID, domain.StateReview)
	env.setState(t, i.ID, domain.StateCompleted)

	_, err := env.Engine.UpdateState(env.Ctx, i.ID, domain.StateProcessing, "tester")
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if te.From != domain.StateCompleted || te.To != domain.StateProcessing {
		t.Fatalf("unexpected transition error %+v", te)
	}

	if st := env.setState(t, i.ID, domain.StateArchived); st.Name != domain.StateArchived {
		t.Fatalf("Completed -> Archived should be legal, got %s", st.Name)
	}
}

func TestUserDefinedStateCanonicalization(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.States.UserDefined = map[string][]string{"processing": {"Doing"}}
	env := newTestEnvWithConfig(t, cfg)
	i := env.create(t, engine.IssueCreateOptions{Name: "custom flow"})

	// Processing -> Doing is a trivial set inside the same phase.
	if st := env.setState(t, i.ID, "Doing"); st.Name != "Doing" {
		t.Fatalf("expected Doing, got %s", st.Name)
	}
	// Doing stands in for Processing, so Review is reachable from it.
	if st := env.setState(t, i.ID, domain.StateReview); st.Name != domain.StateReview {
		t.Fatalf("expected Review from user-defined state, got %s", st.Name)
	}
}

func TestCreateIssueEnforcesParentBudget(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, engine.IssueCreateOptions{Name: "small parent", Estimate: 5})
	_, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: "proj-1", Name: "too big", Estimate: 8, ParentID: parent.ID, ActorID: "tester",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected budget validation error, got %v", err)
	}
}

func TestUpdateIssueEstimateChecks(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, engine.IssueCreateOptions{Name: "parent", Estimate: 10})
	env.create(t, engine.IssueCreateOptions{Name: "child", Estimate: 6, ParentID: parent.ID})

	shrunk := 4.0
	_, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{
		ID: parent.ID, Estimate: &shrunk, ActorID: "tester",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected rejection shrinking below children sum, got %v", err)
	}

	grown := 12.0
	if _, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{
		ID: parent.ID, Estimate: &grown, ActorID: "tester",
	}); err != nil {
		t.Fatalf("growing the parent estimate should pass: %v", err)
	}
}

func TestSetPredecessorDateOrdering(t *testing.T) {
	env := newTestEnv(t)
	pred := env.create(t, engine.IssueCreateOptions{Name: "ends late", EndDate: "2099-06-01T00:00:00Z"})
	succ := env.create(t, engine.IssueCreateOptions{Name: "starts early", StartDate: "2099-01-01T00:00:00Z"})
	err := env.Engine.SetPredecessor(env.Ctx, succ.ID, pred.ID, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected date-ordering rejection, got %v", err)
	}
}

func TestSetPredecessorRejectsConcludedTarget(t *testing.T) {
	env := newTestEnv(t)
	pred := env.create(t, engine.IssueCreateOptions{Name: "finished"})
	succ := env.create(t, engine.IssueCreateOptions{Name: "new work"})
	env.setState(t, pred.ID, domain.StateCancelled)
	err := env.Engine.SetPredecessor(env.Ctx, succ.ID, pred.ID, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected rejection of concluded predecessor, got %v", err)
	}
}

func TestRemoveParentClearsBothSides(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, engine.IssueCreateOptions{Name: "parent", Estimate: 5})
	child := env.create(t, engine.IssueCreateOptions{Name: "child", Estimate: 2, ParentID: parent.ID})

	if err := env.Engine.RemoveParent(env.Ctx, child.ID, "tester"); err != nil {
		t.Fatalf("remove parent: %v", err)
	}
	got, err := env.Engine.Store.GetIssue(env.Ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParentID != nil {
		t.Fatalf("child should have no parent")
	}
	p, err := env.Engine.Store.GetIssue(env.Ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Children) != 0 {
		t.Fatalf("parent should have no children, got %v", p.Children)
	}
}

func TestTimersFollowIssueDates(t *testing.T) {
	env := newTestEnv(t)
	i := env.create(t, engine.IssueCreateOptions{
		Name:      "scheduled",
		StartDate: "2099-03-01T00:00:00Z",
		EndDate:   "2099-09-01T00:00:00Z",
	})
	if !env.Engine.Scheduler.Armed(schedule.KindStart, i.ID) {
		t.Fatalf("start countdown should be armed")
	}
	if !env.Engine.Scheduler.Armed(schedule.KindDeadline, i.ID) {
		t.Fatalf("deadline countdown should be armed")
	}

	cleared := ""
	if _, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{
		ID: i.ID, EndDate: &cleared, ActorID: "tester",
	}); err != nil {
		t.Fatalf("clear end date: %v", err)
	}
	if env.Engine.Scheduler.Armed(schedule.KindDeadline, i.ID) {
		t.Fatalf("deadline countdown should be retired after clearing the date")
	}
	if !env.Engine.Scheduler.Armed(schedule.KindStart, i.ID) {
		t.Fatalf("start countdown should survive an end-date change")
	}

	if err := env.Engine.DeleteIssue(env.Ctx, i.ID, "tester"); err != nil {
		t.Fatalf("delete issue: %v", err)
	}
	if env.Engine.Scheduler.Armed(schedule.KindStart, i.ID) {
		t.Fatalf("deleting the issue must cancel its countdowns")
	}
}

func TestRearmAllInstallsCountdowns(t *testing.T) {
	env := newTestEnv(t)
	i := env.create(t, engine.IssueCreateOptions{Name: "restartable", EndDate: "2099-09-01T00:00:00Z"})
	env.Engine.Scheduler.Shutdown()
	if env.Engine.Scheduler.Armed(schedule.KindDeadline, i.ID) {
		t.Fatalf("shutdown should retire all countdowns")
	}
	if err := env.Engine.RearmAll(env.Ctx); err != nil {
		t.Fatalf("rearm: %v", err)
	}
	if !env.Engine.Scheduler.Armed(schedule.KindDeadline, i.ID) {
		t.Fatalf("rearm should restore the deadline countdown")
	}
}

func TestRemovePredecessorClearsBothSides(t *testing.T) {
	env := newTestEnv(t)
	pred := env.create(t, engine.IssueCreateOptions{Name: "first"})
	succ := env.create(t, engine.IssueCreateOptions{Name: "second"})
	if err := env.Engine.SetPredecessor(env.Ctx, succ.ID, pred.ID, "tester"); err != nil {
		t.Fatalf("set predecessor: %v", err)
	}

	if err := env.Engine.RemovePredecessor(env.Ctx, succ.ID, pred.ID, "tester"); err != nil {
		t.Fatalf("remove predecessor: %v", err)
	}
	got, err := env.Engine.Store.GetIssue(env.Ctx, succ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Predecessors) != 0 {
		t.Fatalf("successor should have no predecessors, got %v", got.Predecessors)
	}
	p, err := env.Engine.Store.GetIssue(env.Ctx, pred.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Successors) != 0 {
		t.Fatalf("predecessor should have no successors, got %v", p.Successors)
	}
}

// stubHandle stands in for a *time.Timer when the countdown facility is
// injected.
type stubHandle struct{ stopped bool }

func (h *stubHandle) Stop() bool {
	was := h.stopped
	h.stopped = true
	return !was
}

type capturedTimer struct {
	d  time.Duration
	fn func()
}

// injectTimers swaps in a hand-driven clock and countdown facility. Returned
// are the captured timers (in Arm order) and a setter that advances the
// engine's notion of now.
func (env testEnv) injectTimers(t *testing.T) (*[]capturedTimer, func(time.Time)) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return now }
	timers := &[]capturedTimer{}
	env.Engine.Scheduler = schedule.NewWithClock(
		func() time.Time { return now },
		func(d time.Duration, fn func()) schedule.Handle {
			*timers = append(*timers, capturedTimer{d: d, fn: fn})
			return &stubHandle{}
		},
	)
	t.Cleanup(env.Engine.Scheduler.Shutdown)
	return timers, func(at time.Time) { now = at }
}

func TestStartCountdownPromotesWaitingIssue(t *testing.T) {
	env := newTestEnv(t)
	timers, setNow := env.injectTimers(t)

	i := env.create(t, engine.IssueCreateOptions{
		Name:         "scheduled work",
		Requirements: true,
		StartDate:    "2026-01-02T00:00:00Z",
	})
	env.setState(t, i.ID, domain.StateNegotiating)
	if st := env.setState(t, i.ID, domain.StateProcessing); st.Name != domain.StateWaiting {
		t.Fatalf("expected Waiting before the start date, got %s", st.Name)
	}
	if len(*timers) != 1 {
		t.Fatalf("expected one armed countdown, got %d", len(*timers))
	}
	if (*timers)[0].d != 24*time.Hour {
		t.Fatalf("expected a 24h countdown, got %v", (*timers)[0].d)
	}

	setNow(time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	(*timers)[0].fn()
	if st := env.stateOf(t, i.ID); st.Name != domain.StateProcessing {
		t.Fatalf("start countdown should promote to Processing, got %s", st.Name)
	}
	if env.Engine.Scheduler.Armed(schedule.KindStart, i.ID) {
		t.Fatalf("fired countdown should be retired")
	}
}

func TestDeadlineCountdownNotifiesRecipients(t *testing.T) {
	env := newTestEnv(t)
	timers, _ := env.injectTimers(t)

	client := "client-1"
	i := env.create(t, engine.IssueCreateOptions{
		Name:        "due soon",
		EndDate:     "2026-01-02T00:00:00Z",
		ClientID:    client,
		AssigneeIDs: []string{"worker-1"},
	})
	if len(*timers) != 1 {
		t.Fatalf("expected one armed countdown, got %d", len(*timers))
	}

	(*timers)[0].fn()
	msgs, err := env.Engine.Store.ListMessages(env.Ctx, store.MessageFilters{
		ProjectID: "proj-1",
		IssueID:   i.ID,
		Kind:      notify.KindDeadlineReached,
	})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected author, client and assignee to be notified, got %d messages", len(msgs))
	}
	recipients := map[string]bool{}
	for _, m := range msgs {
		recipients[m.RecipientID] = true
	}
	for _, want := range []string{"tester", "client-1", "worker-1"} {
		if !recipients[want] {
			t.Fatalf("missing notification for %s: %v", want, recipients)
		}
	}
}

func TestCancellingBlockedParentNeverPassesThroughProcessing(t *testing.T) {
	env := newTestEnv(t)
	grand := env.create(t, engine.IssueCreateOptions{Name: "grandparent", Requirements: true})
	env.setState(t, grand.ID, domain.StateNegotiating)

	parent := env.create(t, engine.IssueCreateOptions{Name: "parent", Requirements: true, ParentID: grand.ID})
	env.setState(t, parent.ID, domain.StateNegotiating)
	if st := env.setState(t, parent.ID, domain.StateProcessing); st.Name != domain.StateBlocked {
		t.Fatalf("negotiating grandparent should block, got %s", st.Name)
	}
	child := env.create(t, engine.IssueCreateOptions{Name: "child", ParentID: parent.ID})

	// The blocking cause clears, but nothing re-requests the parent: it stays
	// Blocked. Cancelling it now cascades to the child, whose conclusion must
	// not bounce the parent through Processing on the way to Cancelled.
	env.setState(t, grand.ID, domain.StateProcessing)
	if st := env.setState(t, parent.ID, domain.StateCancelled); st.Name != domain.StateCancelled {
		t.Fatalf("expected Cancelled, got %s", st.Name)
	}
	if st := env.stateOf(t, child.ID); st.Name != domain.StateCancelled {
		t.Fatalf("child should be cancelled, got %s", st.Name)
	}

	evts, err := env.Engine.Store.LatestEvents(env.Ctx, 50, "proj-1", "issue.state.changed", "issue", parent.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, evt := range evts {
		if strings.Contains(evt.Payload, `"to":"Processing"`) {
			t.Fatalf("parent must not record an interim Processing change: %s", evt.Payload)
		}
	}
}

func TestSetParentRejectsConcludedParent(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, engine.IssueCreateOptions{Name: "done parent", Estimate: 5})
	env.setState(t, parent.ID, domain.StateReview)
	env.setState(t, parent.ID, domain.StateCompleted)
	child := env.create(t, engine.IssueCreateOptions{Name: "late child"})
	err := env.Engine.SetParent(env.Ctx, child.ID, parent.ID, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected rejection of concluded parent, got %v", err)
	}
}
