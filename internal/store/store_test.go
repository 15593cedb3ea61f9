package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"issueline/internal/config"
	"issueline/internal/db"
	"issueline/internal/domain"
	"issueline/internal/migrate"
	"issueline/internal/store"
)

func newTestStore(t *testing.T) (store.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	st := store.Store{DB: conn}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if err := st.InsertProject(ctx, domain.Project{ID: "proj-1", Name: "test", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SeedStatesTx(ctx, tx, "proj-1", config.Default("proj-1")); err != nil {
		t.Fatalf("seed states: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return st, ctx
}

func insertIssue(t *testing.T, st store.Store, ctx context.Context, i domain.Issue) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if i.StateID == "" {
		i.StateID = store.StateID("proj-1", domain.StateProcessing)
	}
	if i.ProjectID == "" {
		i.ProjectID = "proj-1"
	}
	if i.AuthorID == "" {
		i.AuthorID = "tester"
	}
	if i.Type == "" {
		i.Type = "task"
	}
	i.CreatedAt, i.UpdatedAt = now, now
	tx, err := st.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := st.InsertIssueTx(ctx, tx, i); err != nil {
		t.Fatalf("insert issue %s: %v", i.ID, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestGetIssueHydratesRelations(t *testing.T) {
	st, ctx := newTestStore(t)
	parentID := "parent"
	insertIssue(t, st, ctx, domain.Issue{ID: "parent", Name: "parent"})
	insertIssue(t, st, ctx, domain.Issue{ID: "pred", Name: "pred"})
	insertIssue(t, st, ctx, domain.Issue{
		ID: "child", Name: "child", ParentID: &parentID,
		Predecessors: []string{"pred"}, AssigneeIDs: []string{"worker"},
	})

	parent, err := st.GetIssue(ctx, "parent")
	if err != nil {
		t.Fatal(err)
	}
	if len(parent.Children) != 1 || parent.Children[0] != "child" {
		t.Fatalf("parent children not hydrated: %v", parent.Children)
	}
	pred, err := st.GetIssue(ctx, "pred")
	if err != nil {
		t.Fatal(err)
	}
	if len(pred.Successors) != 1 || pred.Successors[0] != "child" {
		t.Fatalf("successors not hydrated: %v", pred.Successors)
	}
	child, err := st.GetIssue(ctx, "child")
	if err != nil {
		t.Fatal(err)
	}
	if len(child.Predecessors) != 1 || child.Predecessors[0] != "pred" {
		t.Fatalf("predecessors not hydrated: %v", child.Predecessors)
	}
	if len(child.AssigneeIDs) != 1 || child.AssigneeIDs[0] != "worker" {
		t.Fatalf("assignees not hydrated: %v", child.AssigneeIDs)
	}
}

func TestReplaceIssueSwapsRelationSets(t *testing.T) {
	st, ctx := newTestStore(t)
	insertIssue(t, st, ctx, domain.Issue{ID: "a", Name: "a"})
	insertIssue(t, st, ctx, domain.Issue{ID: "b", Name: "b"})
	insertIssue(t, st, ctx, domain.Issue{ID: "c", Name: "c", Predecessors: []string{"a"}})

	c, err := st.GetIssue(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	c.Predecessors = []string{"b"}
	c.AssigneeIDs = []string{"worker"}
	tx, err := st.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := st.ReplaceIssue(ctx, tx, c); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetIssue(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Predecessors) != 1 || got.Predecessors[0] != "b" {
		t.Fatalf("predecessor set not replaced: %v", got.Predecessors)
	}
	if len(got.AssigneeIDs) != 1 || got.AssigneeIDs[0] != "worker" {
		t.Fatalf("assignee set not replaced: %v", got.AssigneeIDs)
	}
	a, err := st.GetIssue(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Successors) != 0 {
		t.Fatalf("old predecessor should have no successors: %v", a.Successors)
	}
}

func TestReplaceMissingIssueReturnsNotFound(t *testing.T) {
	st, ctx := newTestStore(t)
	tx, err := st.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = st.ReplaceIssue(ctx, tx, domain.Issue{
		ID: "ghost", ProjectID: "proj-1", Name: "ghost", Type: "task",
		StateID: store.StateID("proj-1", domain.StateProcessing), AuthorID: "x",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStateCatalogueSeeded(t *testing.T) {
	st, ctx := newTestStore(t)
	states, err := st.ListProjectStates(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 9 {
		t.Fatalf("expected 9 seeded states, got %d", len(states))
	}
	got, err := st.StateByName(ctx, "proj-1", domain.StateBlocked)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != domain.PhaseProcessing || got.UserDefined {
		t.Fatalf("unexpected Blocked state %+v", got)
	}
}

func TestDeleteIssueClearsOrderings(t *testing.T) {
	st, ctx := newTestStore(t)
	insertIssue(t, st, ctx, domain.Issue{ID: "a", Name: "a"})
	insertIssue(t, st, ctx, domain.Issue{ID: "b", Name: "b", Predecessors: []string{"a"}})

	if err := st.DeleteIssue(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	a, err := st.GetIssue(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Successors) != 0 {
		t.Fatalf("deleting the successor should cascade its ordering rows: %v", a.Successors)
	}
	if _, err := st.GetIssue(ctx, "b"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
