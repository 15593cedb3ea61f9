package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"issueline/internal/config"
	"issueline/internal/domain"
	"issueline/internal/events"
	"issueline/internal/notify"
	"issueline/internal/schedule"
	"issueline/internal/store"
)

// Engine is the issue lifecycle coordinator: it orchestrates the dependency
// validator, the state transition machine, and the scheduler around a single
// logical operation and persists the result.
type Engine struct {
	DB        *sql.DB
	Store     store.Store
	Events    events.Writer
	Config    *config.Config
	Scheduler *schedule.Scheduler
	Notifier  *notify.Service
	Now       func() time.Time

	fsm *machine

	// cancelMu guards cancelling, the set of issue ids whose cancellation is
	// currently in flight. Unblock attempts skip these: the cascade concludes
	// them anyway, and an interim flip to Processing would leak a state-change
	// event for a state the issue never settles in.
	cancelMu   sync.Mutex
	cancelling map[string]bool
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	st := store.Store{DB: db}
	e := &Engine{
		DB:         db,
		Store:      st,
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Scheduler:  schedule.New(),
		Notifier:   notify.New(st, cfg.Notify.WebhookURL, cfg.Notify.MaxRetries),
		Now:        time.Now,
		cancelling: map[string]bool{},
	}
	e.fsm = newMachine(cfg)
	e.registerTransitions()
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a project, seeds its state catalogue and config.
func (e *Engine) InitProject(ctx context.Context, projectID, name, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if name == "" {
		name = projectID
	}
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Store.SeedStatesTx(ctx, tx, p.ID, e.Config); err != nil {
		return domain.Project{}, err
	}
	if err := e.Store.UpsertProjectConfigTx(ctx, tx, p.ID, e.Config); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectInit, p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	ID           string
	ProjectID    string
	ParentID     string
	Name         string
	Type         string
	StartDate    string
	EndDate      string
	Estimate     float64
	Requirements bool
	Visibility   string
	Priority     *int
	AuthorID     string
	ClientID     string
	AssigneeIDs  []string
	ActorID      string
}

// CreateIssue inserts an issue in its initial lifecycle state: Checking when
// requirements gathering is required, otherwise directly Processing. Timers
// for both event kinds are armed from the issue's dates.
func (e *Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if opts.Name == "" {
		return domain.Issue{}, validationf("name is required")
	}
	if opts.ProjectID == "" {
		return domain.Issue{}, validationf("project is required")
	}
	if opts.Type == "" {
		opts.Type = "task"
	}
	if _, err := e.Store.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Issue{}, err
	}
	for _, d := range []string{opts.StartDate, opts.EndDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, d); err != nil {
			return domain.Issue{}, validationf("invalid date %q: must be RFC3339", d)
		}
	}

	initialName := domain.StateProcessing
	if opts.Requirements {
		initialName = domain.StateChecking
	}
	initial, err := e.Store.StateByName(ctx, opts.ProjectID, initialName)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("resolve initial state: %w", err)
	}

	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Name+"|"+now)).String()
	}
	i := domain.Issue{
		ID:           id,
		ProjectID:    opts.ProjectID,
		StateID:      initial.ID,
		Name:         opts.Name,
		Type:         opts.Type,
		StartDate:    optionalString(opts.StartDate),
		EndDate:      optionalString(opts.EndDate),
		Estimate:     opts.Estimate,
		Requirements: opts.Requirements,
		Visibility:   opts.Visibility,
		Priority:     opts.Priority,
		AuthorID:     opts.AuthorID,
		ClientID:     optionalString(opts.ClientID),
		AssigneeIDs:  opts.AssigneeIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts.AuthorID == "" {
		i.AuthorID = opts.ActorID
	}

	if opts.ParentID != "" {
		parent, err := e.Store.GetIssue(ctx, opts.ParentID)
		if err != nil {
			return domain.Issue{}, err
		}
		snap, err := e.projectSnapshot(ctx, opts.ProjectID)
		if err != nil {
			return domain.Issue{}, err
		}
		if err := snap.CanAddChild(parent, i); err != nil {
			return domain.Issue{}, err
		}
		if err := e.ensureRelatableState(ctx, parent); err != nil {
			return domain.Issue{}, err
		}
		i.ParentID = &opts.ParentID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	if err := e.Store.InsertIssueTx(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeIssueCreated, i.ProjectID, "issue", i.ID, opts.ActorID, events.EventPayload{
		"name": i.Name, "state": initial.Name,
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	e.armTimers(i)
	return e.Store.GetIssue(ctx, i.ID)
}

// projectSnapshot loads the full issue set of one project into an id lookup
// for a single validation pass.
func (e *Engine) projectSnapshot(ctx context.Context, projectID string) (Snapshot, error) {
	issues, err := e.Store.ListProjectIssues(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return SnapshotOf(issues), nil
}

// ensureRelatableState rejects relation targets whose state is in the
// conclusion phase or is Review.
func (e *Engine) ensureRelatableState(ctx context.Context, target domain.Issue) error {
	st, err := e.Store.GetState(ctx, target.StateID)
	if err != nil {
		return err
	}
	if st.Phase == domain.PhaseConclusion || st.Name == domain.StateReview {
		return validationf("issue %s is in state %s and can no longer be related", target.ID, st.Name)
	}
	return nil
}

// SetParent makes parentID the hierarchy parent of issueID after the
// dependency validator accepts the edge. Both sides are persisted and an audit
// entry is appended to the parent's conversation log.
func (e *Engine) SetParent(ctx context.Context, issueID, parentID, actorID string) error {
	issue, err := e.Store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	parent, err := e.Store.GetIssue(ctx, parentID)
	if err != nil {
		return err
	}
	snap, err := e.projectSnapshot(ctx, issue.ProjectID)
	if err != nil {
		return err
	}
	if err := snap.CanAddChild(parent, issue); err != nil {
		return err
	}
	if err := e.ensureRelatableState(ctx, parent); err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	issue.ParentID = &parentID
	issue.UpdatedAt = now
	if err := e.Store.ReplaceIssue(ctx, tx, issue); err != nil {
		return err
	}
	parent.Children = append(parent.Children, issue.ID)
	parent.UpdatedAt = now
	if err := e.Store.ReplaceIssue(ctx, tx, parent); err != nil {
		return err
	}
	if err := e.appendAuditTx(ctx, tx, parent, fmt.Sprintf("issue %q was added as a child", issue.Name), now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeParentSet, issue.ProjectID, "issue", issue.ID, actorID, events.EventPayload{
		"parent_id": parentID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveParent clears the hierarchy edge on both sides. The former parent
// keeps an audit entry of the removal. All reads happen before the write
// transaction opens; sqlite holds a single write lock and an in-tx read on the
// pooled connection would wait on our own uncommitted write.
func (e *Engine) RemoveParent(ctx context.Context, issueID, actorID string) error {
	issue, err := e.Store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	var former *domain.Issue
	if issue.ParentID != nil {
		p, err := e.Store.GetIssue(ctx, *issue.ParentID)
		if err == nil {
			former = &p
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	issue.ParentID = nil
	issue.UpdatedAt = now
	if err := e.Store.ReplaceIssue(ctx, tx, issue); err != nil {
		return err
	}
	if former != nil {
		if err := e.appendAuditTx(ctx, tx, *former, fmt.Sprintf("issue %q was removed as a child", issue.Name), now); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeParentRemoved, issue.ProjectID, "issue", issue.ID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetPredecessor adds predecessorID to successorID's predecessor set after
// validation, including the date-ordering check between the two issues.
func (e *Engine) SetPredecessor(ctx context.Context, successorID, predecessorID, actorID string) error {
	successor, err := e.Store.GetIssue(ctx, successorID)
	if err != nil {
		return err
	}
	predecessor, err := e.Store.GetIssue(ctx, predecessorID)
	if err != nil {
		return err
	}
	snap, err := e.projectSnapshot(ctx, successor.ProjectID)
	if err != nil {
		return err
	}
	if err := snap.CanAddPredecessor(successor, predecessor); err != nil {
		return err
	}
	if err := e.ensureRelatableState(ctx, predecessor); err != nil {
		return err
	}
	if successor.StartDate != nil && predecessor.EndDate != nil {
		start, err1 := time.Parse(time.RFC3339, *successor.StartDate)
		end, err2 := time.Parse(time.RFC3339, *predecessor.EndDate)
		if err1 == nil && err2 == nil && start.Before(end) {
			return validationf("issue %s starts before predecessor %s ends", successor.ID, predecessor.ID)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	successor.Predecessors = append(successor.Predecessors, predecessor.ID)
	successor.UpdatedAt = now
	if err := e.Store.ReplaceIssue(ctx, tx, successor); err != nil {
		return err
	}
	predecessor.Successors = append(predecessor.Successors, successor.ID)
	predecessor.UpdatedAt = now
	if err := e.Store.ReplaceIssue(ctx, tx, predecessor); err != nil {
		return err
	}
	if err := e.appendAuditTx(ctx, tx, predecessor, fmt.Sprintf("issue %q now follows this issue", successor.Name), now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypePredecessorSet, successor.ProjectID, "issue", successor.ID, actorID, events.EventPayload{
		"predecessor_id": predecessor.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RemovePredecessor removes the ordering edge on both sides. The predecessor
// is fetched before the write transaction opens, for the same lock reason as
// RemoveParent.
func (e *Engine) RemovePredecessor(ctx context.Context, successorID, predecessorID, actorID string) error {
	successor, err := e.Store.GetIssue(ctx, successorID)
	if err != nil {
		return err
	}
	var predecessor *domain.Issue
	if p, err := e.Store.GetIssue(ctx, predecessorID); err == nil {
		predecessor = &p
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	successor.Predecessors = removeString(successor.Predecessors, predecessorID)
	successor.UpdatedAt = now
	if err := e.Store.ReplaceIssue(ctx, tx, successor); err != nil {
		return err
	}
	if predecessor != nil {
		if err := e.appendAuditTx(ctx, tx, *predecessor, fmt.Sprintf("issue %q no longer follows this issue", successor.Name), now); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypePredecessorRemoved, successor.ProjectID, "issue", successor.ID, actorID, events.EventPayload{
		"predecessor_id": predecessorID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateState runs the transition machine for the requested state and
// persists the actually-resulting state, which may differ from the requested
// one. When the result lands in the conclusion phase, blocked relatives get an
// unblock attempt.
func (e *Engine) UpdateState(ctx context.Context, issueID, stateName, actorID string) (domain.State, error) {
	issue, err := e.Store.GetIssue(ctx, issueID)
	if err != nil {
		return domain.State{}, err
	}
	oldState, err := e.Store.GetState(ctx, issue.StateID)
	if err != nil {
		return domain.State{}, err
	}
	newState, err := e.Store.StateByName(ctx, issue.ProjectID, stateName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.State{}, validationf("state %s does not exist in project %s", stateName, issue.ProjectID)
		}
		return domain.State{}, err
	}

	result, err := e.fsm.Apply(ctx, issue, oldState, newState)
	if err != nil {
		return domain.State{}, err
	}

	if result.ID != issue.StateID {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.State{}, err
		}
		defer tx.Rollback()
		issue.StateID = result.ID
		issue.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Store.ReplaceIssue(ctx, tx, issue); err != nil {
			return domain.State{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeIssueStateChanged, issue.ProjectID, "issue", issue.ID, actorID, events.EventPayload{
			"from": oldState.Name, "to": result.Name, "requested": newState.Name,
		}); err != nil {
			return domain.State{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.State{}, err
		}
	}

	if result.Phase == domain.PhaseConclusion {
		e.attemptUnblock(ctx, issue, actorID)
	}
	return result, nil
}

// attemptUnblock tries to move the hierarchy parent and every successor that
// currently sits in Blocked back to Processing. Each attempt is independent; a
// failure on one relative never aborts the others. Relatives whose own
// cancellation is in flight are left alone.
func (e *Engine) attemptUnblock(ctx context.Context, issue domain.Issue, actorID string) {
	var targets []string
	if issue.ParentID != nil {
		targets = append(targets, *issue.ParentID)
	}
	targets = append(targets, issue.Successors...)
	for _, id := range targets {
		if e.isCancelling(id) {
			continue
		}
		related, err := e.Store.GetIssue(ctx, id)
		if err != nil {
			continue
		}
		st, err := e.Store.GetState(ctx, related.StateID)
		if err != nil || st.Name != domain.StateBlocked {
			continue
		}
		if _, err := e.UpdateState(ctx, id, domain.StateProcessing, actorID); err != nil {
			continue
		}
	}
}

// IssueUpdateOptions encapsulates allowed detail updates. Nil means
// unchanged; for the clearable fields an empty string clears the value.
type IssueUpdateOptions struct {
	ID          string
	Name        *string
	Type        *string
	StartDate   *string
	EndDate     *string
	Estimate    *float64
	Progress    *int
	Visibility  *string
	Priority    *int
	ClientID    *string
	AssigneeIDs []string
	ActorID     string
}

// UpdateIssue edits the detail block. Estimate changes are checked against the
// effort-budget invariant in both directions; date changes re-arm the
// scheduler for both event kinds.
func (e *Engine) UpdateIssue(ctx context.Context, opts IssueUpdateOptions) (domain.Issue, error) {
	issue, err := e.Store.GetIssue(ctx, opts.ID)
	if err != nil {
		return issue, err
	}
	datesChanged := false

	if opts.Name != nil && *opts.Name != "" {
		issue.Name = *opts.Name
	}
	if opts.Type != nil && *opts.Type != "" {
		issue.Type = *opts.Type
	}
	if opts.StartDate != nil {
		if *opts.StartDate != "" {
			if _, err := time.Parse(time.RFC3339, *opts.StartDate); err != nil {
				return issue, validationf("invalid start date %q: must be RFC3339", *opts.StartDate)
			}
		}
		issue.StartDate = optionalString(*opts.StartDate)
		datesChanged = true
	}
	if opts.EndDate != nil {
		if *opts.EndDate != "" {
			if _, err := time.Parse(time.RFC3339, *opts.EndDate); err != nil {
				return issue, validationf("invalid end date %q: must be RFC3339", *opts.EndDate)
			}
		}
		issue.EndDate = optionalString(*opts.EndDate)
		datesChanged = true
	}
	if opts.Estimate != nil {
		snap, err := e.projectSnapshot(ctx, issue.ProjectID)
		if err != nil {
			return issue, err
		}
		if err := e.checkEstimateBudget(snap, issue, *opts.Estimate); err != nil {
			return issue, err
		}
		issue.Estimate = *opts.Estimate
	}
	if opts.Progress != nil {
		if *opts.Progress < 0 || *opts.Progress > 100 {
			return issue, validationf("progress must be between 0 and 100")
		}
		issue.Progress = *opts.Progress
	}
	if opts.Visibility != nil {
		issue.Visibility = *opts.Visibility
	}
	if opts.Priority != nil {
		issue.Priority = opts.Priority
	}
	if opts.ClientID != nil {
		issue.ClientID = optionalString(*opts.ClientID)
	}
	if opts.AssigneeIDs != nil {
		issue.AssigneeIDs = opts.AssigneeIDs
	}
	issue.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, err
	}
	defer tx.Rollback()
	if err := e.Store.ReplaceIssue(ctx, tx, issue); err != nil {
		return issue, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeIssueUpdated, issue.ProjectID, "issue", issue.ID, opts.ActorID, events.EventPayload{}); err != nil {
		return issue, err
	}
	if err := tx.Commit(); err != nil {
		return issue, err
	}
	if datesChanged {
		e.armTimers(issue)
	}
	return e.Store.GetIssue(ctx, issue.ID)
}

// checkEstimateBudget keeps parents at or above the sum of their children's
// estimates when an estimate changes.
func (e *Engine) checkEstimateBudget(snap Snapshot, issue domain.Issue, newEstimate float64) error {
	if issue.ParentID != nil {
		parent := snap[*issue.ParentID]
		var siblingSum float64
		for _, childID := range parent.Children {
			if childID == issue.ID {
				continue
			}
			siblingSum += snap[childID].Estimate
		}
		if parent.Estimate-siblingSum < newEstimate {
			return validationf("estimate %.1fh exceeds the remaining budget of parent %s", newEstimate, parent.ID)
		}
	}
	var childSum float64
	for _, childID := range issue.Children {
		childSum += snap[childID].Estimate
	}
	if newEstimate < childSum {
		return validationf("estimate %.1fh is below the %.1fh already allocated to children", newEstimate, childSum)
	}
	return nil
}

// DeleteIssue cancels both event kinds for the issue before removing the
// document, so no countdown can fire against a missing issue.
func (e *Engine) DeleteIssue(ctx context.Context, issueID, actorID string) error {
	issue, err := e.Store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	e.Scheduler.Cancel(schedule.KindDeadline, issueID)
	e.Scheduler.Cancel(schedule.KindStart, issueID)
	if err := e.Store.DeleteIssue(ctx, issueID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeIssueDeleted, issue.ProjectID, "issue", issueID, actorID, events.EventPayload{"name": issue.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- scheduler wiring ---

// armTimers installs or retires countdowns for both event kinds from the
// issue's current dates. Past or absent dates retire the countdown.
func (e *Engine) armTimers(issue domain.Issue) {
	now := e.now()
	if t, ok := parseFuture(issue.EndDate, now); ok {
		id := issue.ID
		e.Scheduler.Arm(schedule.KindDeadline, id, t, func() { e.fireDeadline(id) })
	} else {
		e.Scheduler.Cancel(schedule.KindDeadline, issue.ID)
	}
	if t, ok := parseFuture(issue.StartDate, now); ok {
		id := issue.ID
		e.Scheduler.Arm(schedule.KindStart, id, t, func() { e.fireStart(id) })
	} else {
		e.Scheduler.Cancel(schedule.KindStart, issue.ID)
	}
}

func parseFuture(date *string, now time.Time) (time.Time, bool) {
	if date == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, *date)
	if err != nil || !t.After(now) {
		return time.Time{}, false
	}
	return t, true
}

// fireDeadline notifies the issue's author, client and assignees that the end
// date has passed.
func (e *Engine) fireDeadline(issueID string) {
	ctx := context.Background()
	issue, err := e.Store.GetIssue(ctx, issueID)
	if err != nil {
		return
	}
	if err := e.Notifier.DeadlineReached(ctx, issue); err != nil {
		log.Printf("deadline notification for issue %s: %v", issueID, err)
	}
}

// fireStart promotes the issue towards Processing now that its start date has
// passed; illegal transitions are ignored.
func (e *Engine) fireStart(issueID string) {
	ctx := context.Background()
	if _, err := e.Store.GetIssue(ctx, issueID); err != nil {
		return
	}
	if _, err := e.UpdateState(ctx, issueID, domain.StateProcessing, "scheduler"); err != nil {
		log.Printf("start-date promotion for issue %s: %v", issueID, err)
	}
}

// RearmAll re-installs countdowns from stored issue dates; called at startup
// since pending timers do not survive a restart.
func (e *Engine) RearmAll(ctx context.Context) error {
	projects, err := e.Store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		issues, err := e.Store.ListProjectIssues(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, i := range issues {
			e.armTimers(i)
		}
	}
	return nil
}

// --- transition actions ---

func (e *Engine) registerTransitions() {
	e.fsm.register(domain.StateChecking, domain.StateNegotiating, e.passThrough)
	e.fsm.register(domain.StateNegotiating, domain.StateProcessing, e.enterProcessing)
	e.fsm.register(domain.StateWaiting, domain.StateProcessing, e.enterProcessing)
	e.fsm.register(domain.StateBlocked, domain.StateProcessing, e.enterProcessing)
	e.fsm.register(domain.StateProcessing, domain.StateReview, e.enterReview)
	e.fsm.register(domain.StateReview, domain.StateCompleted, e.passThrough)
	e.fsm.register(domain.StateCompleted, domain.StateArchived, e.passThrough)
	e.fsm.register(stateAny, domain.StateCancelled, e.cancelCascade)
}

func (e *Engine) passThrough(_ context.Context, _ domain.Issue, _, newState domain.State) (domain.State, error) {
	return newState, nil
}

// enterProcessing guards entry into Processing: a future start date redirects
// to Waiting; a parent still negotiating or any predecessor not yet concluded
// redirects to Blocked.
func (e *Engine) enterProcessing(ctx context.Context, issue domain.Issue, _, newState domain.State) (domain.State, error) {
	if t, ok := parseDate(issue.StartDate); ok && t.After(e.now()) {
		return e.Store.StateByName(ctx, issue.ProjectID, domain.StateWaiting)
	}
	blocked := false
	if issue.ParentID != nil {
		parentState, err := e.relatedState(ctx, *issue.ParentID)
		if err != nil {
			return domain.State{}, err
		}
		if parentState.Phase == domain.PhaseNegotiation {
			blocked = true
		}
	}
	if !blocked {
		for _, predID := range issue.Predecessors {
			predState, err := e.relatedState(ctx, predID)
			if err != nil {
				return domain.State{}, err
			}
			if predState.Phase != domain.PhaseConclusion {
				blocked = true
				break
			}
		}
	}
	if blocked {
		return e.Store.StateByName(ctx, issue.ProjectID, domain.StateBlocked)
	}
	return newState, nil
}

// enterReview requires every hierarchy child to have reached the conclusion
// phase.
func (e *Engine) enterReview(ctx context.Context, issue domain.Issue, _, newState domain.State) (domain.State, error) {
	for _, childID := range issue.Children {
		childState, err := e.relatedState(ctx, childID)
		if err != nil {
			return domain.State{}, err
		}
		if childState.Phase != domain.PhaseConclusion {
			return domain.State{}, validationf("child %s is not concluded", childID)
		}
	}
	return newState, nil
}

// cancelCascade recursively cancels every hierarchy descendant, best effort:
// a failure on one descendant never stops the cascade for the others. The
// issue is marked as cancelling for the duration so that the descendants'
// conclusion does not bounce it through Processing first.
func (e *Engine) cancelCascade(ctx context.Context, issue domain.Issue, _, newState domain.State) (domain.State, error) {
	e.markCancelling(issue.ID)
	defer e.unmarkCancelling(issue.ID)

	snap, err := e.projectSnapshot(ctx, issue.ProjectID)
	if err != nil {
		return domain.State{}, err
	}
	for _, descID := range snap.ChildrenRecursive(issue.ID) {
		descState, err := e.relatedState(ctx, descID)
		if err != nil || descState.Phase == domain.PhaseConclusion {
			continue
		}
		if _, err := e.UpdateState(ctx, descID, domain.StateCancelled, "cascade"); err != nil {
			continue
		}
	}
	return newState, nil
}

func (e *Engine) markCancelling(issueID string) {
	e.cancelMu.Lock()
	e.cancelling[issueID] = true
	e.cancelMu.Unlock()
}

func (e *Engine) unmarkCancelling(issueID string) {
	e.cancelMu.Lock()
	delete(e.cancelling, issueID)
	e.cancelMu.Unlock()
}

func (e *Engine) isCancelling(issueID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return e.cancelling[issueID]
}

func (e *Engine) relatedState(ctx context.Context, issueID string) (domain.State, error) {
	related, err := e.Store.GetIssue(ctx, issueID)
	if err != nil {
		return domain.State{}, err
	}
	return e.Store.GetState(ctx, related.StateID)
}

// --- helpers ---

func (e *Engine) appendAuditTx(ctx context.Context, tx *sql.Tx, issue domain.Issue, text, now string) error {
	return e.Store.InsertMessageTx(ctx, tx, domain.Message{
		ID:          uuid.New().String(),
		ProjectID:   issue.ProjectID,
		IssueID:     issue.ID,
		RecipientID: issue.AuthorID,
		Kind:        "audit",
		Text:        text,
		CreatedAt:   now,
	})
}

func parseDate(date *string) (time.Time, bool) {
	if date == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, *date)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func removeString(in []string, v string) []string {
	out := in[:0]
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
