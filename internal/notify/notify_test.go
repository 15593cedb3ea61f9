package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"issueline/internal/db"
	"issueline/internal/domain"
	"issueline/internal/migrate"
	"issueline/internal/notify"
	"issueline/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.Store{DB: conn}
}

func clientID(s string) *string { return &s }

func testIssue() domain.Issue {
	return domain.Issue{
		ID:          "issue-1",
		ProjectID:   "proj-1",
		Name:        "launch",
		AuthorID:    "author",
		ClientID:    clientID("client"),
		AssigneeIDs: []string{"worker", "author"},
	}
}

func TestRecipientsDeduplicates(t *testing.T) {
	got := notify.Recipients(testIssue())
	want := []string{"author", "client", "worker"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDeadlineReachedRecordsMessages(t *testing.T) {
	st := newTestStore(t)
	svc := notify.New(st, "", 0)
	svc.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	if err := svc.DeadlineReached(context.Background(), testIssue()); err != nil {
		t.Fatalf("deadline reached: %v", err)
	}
	msgs, err := st.ListMessages(context.Background(), store.MessageFilters{
		ProjectID: "proj-1",
		Kind:      notify.KindDeadlineReached,
	})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected one message per recipient, got %d", len(msgs))
	}
}

func TestDeadlineReachedPostsWebhook(t *testing.T) {
	var payload notify.WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	st := newTestStore(t)
	svc := notify.New(st, srv.URL, 0)
	if err := svc.DeadlineReached(context.Background(), testIssue()); err != nil {
		t.Fatalf("deadline reached: %v", err)
	}
	if payload.Kind != notify.KindDeadlineReached || payload.IssueID != "issue-1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(payload.Recipients) != 3 {
		t.Fatalf("expected 3 recipients, got %v", payload.Recipients)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStore(t)
	svc := notify.New(st, srv.URL, 3)
	if err := svc.DeadlineReached(context.Background(), testIssue()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestWebhookClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	st := newTestStore(t)
	svc := notify.New(st, srv.URL, 3)
	if err := svc.DeadlineReached(context.Background(), testIssue()); err == nil {
		t.Fatalf("expected error on 4xx")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}
