// Package notify creates notification records for users and optionally
// forwards each batch to a configured webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"issueline/internal/domain"
	"issueline/internal/store"
)

const KindDeadlineReached = "deadline.reached"

type Service struct {
	Store      store.Store
	WebhookURL string
	MaxRetries int
	Client     *http.Client
	Now        func() time.Time
}

func New(st store.Store, webhookURL string, maxRetries int) *Service {
	return &Service{
		Store:      st,
		WebhookURL: webhookURL,
		MaxRetries: maxRetries,
		Client:     &http.Client{Timeout: 10 * time.Second},
		Now:        time.Now,
	}
}

// WebhookPayload is POSTed to the configured webhook for each notification
// batch.
type WebhookPayload struct {
	Kind       string   `json:"kind"`
	ProjectID  string   `json:"project_id"`
	IssueID    string   `json:"issue_id"`
	IssueName  string   `json:"issue_name"`
	Recipients []string `json:"recipients"`
	TS         string   `json:"ts"`
}

// DeadlineReached records a "deadline reached" notification for the issue's
// author, its client, and every currently assigned user.
func (s *Service) DeadlineReached(ctx context.Context, issue domain.Issue) error {
	recipients := Recipients(issue)
	now := s.Now().UTC().Format(time.RFC3339)
	text := fmt.Sprintf("deadline for issue %q has been reached", issue.Name)
	for _, userID := range recipients {
		m := domain.Message{
			ID:          uuid.New().String(),
			ProjectID:   issue.ProjectID,
			IssueID:     issue.ID,
			RecipientID: userID,
			Kind:        KindDeadlineReached,
			Text:        text,
			CreatedAt:   now,
		}
		if err := s.Store.InsertMessageTx(ctx, nil, m); err != nil {
			return fmt.Errorf("insert notification for %s: %w", userID, err)
		}
	}
	if s.WebhookURL == "" {
		return nil
	}
	return s.dispatch(ctx, WebhookPayload{
		Kind:       KindDeadlineReached,
		ProjectID:  issue.ProjectID,
		IssueID:    issue.ID,
		IssueName:  issue.Name,
		Recipients: recipients,
		TS:         now,
	})
}

// Recipients returns the deduplicated notification audience for an issue:
// author, client, assignees.
func Recipients(issue domain.Issue) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(issue.AuthorID)
	if issue.ClientID != nil {
		add(*issue.ClientID)
	}
	for _, a := range issue.AssigneeIDs {
		add(a)
	}
	return out
}

func (s *Service) dispatch(ctx context.Context, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.MaxRetries))
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
