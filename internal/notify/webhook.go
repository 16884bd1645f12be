package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/autoheal/internal/failure"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as JSON.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhook creates a Webhook sink. A zero timeout uses 5s.
func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{url: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

type webhookAttempt struct {
	Number     int      `json:"number"`
	RootCause  string   `json:"root_cause"`
	Files      []string `json:"files"`
	Branch     string   `json:"branch,omitempty"`
	Deployment string   `json:"deployment_id,omitempty"`
	Outcome    string   `json:"outcome,omitempty"`
}

type webhookPayload struct {
	Type          string                `json:"type"`
	ProjectID     string                `json:"project_id"`
	FailureID     string                `json:"failure_id"`
	RootID        string                `json:"root_id"`
	Status        failure.Status        `json:"status"`
	Reason        string                `json:"reason,omitempty"`
	Action        string                `json:"action,omitempty"`
	RootCause     string                `json:"root_cause,omitempty"`
	DeploymentURL string                `json:"deployment_url,omitempty"`
	Attempts      []webhookAttempt      `json:"attempts,omitempty"`
	Reasons       []failure.ReasonEntry `json:"reasons,omitempty"`
	TS            string                `json:"ts"`
}

func toWebhookAttempts(attempts []failure.FixAttempt) []webhookAttempt {
	out := make([]webhookAttempt, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, webhookAttempt{
			Number:     a.AttemptNumber,
			RootCause:  a.RootCause,
			Files:      a.Filenames(),
			Branch:     a.Branch,
			Deployment: a.DeploymentID,
			Outcome:    a.Outcome,
		})
	}
	return out
}

func newPayload(kind string, p failure.Project, r failure.Record) webhookPayload {
	return webhookPayload{
		Type:      kind,
		ProjectID: p.ID,
		FailureID: r.ID,
		RootID:    r.RootID,
		Status:    r.Status,
		TS:        time.Now().UTC().Format(time.RFC3339),
	}
}

func (w *Webhook) NotifySuccess(ctx context.Context, n Success) error {
	body := newPayload(KindSuccess, n.Project, n.Record)
	body.RootCause = n.Attempt.RootCause
	body.DeploymentURL = n.DeploymentURL
	body.Attempts = toWebhookAttempts([]failure.FixAttempt{n.Attempt})
	return w.post(ctx, body)
}

func (w *Webhook) NotifyFailure(ctx context.Context, n Failure) error {
	body := newPayload(KindFailure, n.Project, n.Record)
	body.Reason = n.Reason
	body.Attempts = toWebhookAttempts(n.Attempts)
	body.Reasons = n.Reasons
	return w.post(ctx, body)
}

func (w *Webhook) NotifyUnfixable(ctx context.Context, n Unfixable) error {
	body := newPayload(KindUnfixable, n.Project, n.Record)
	body.Reason = n.Reason
	body.Action = n.Action
	return w.post(ctx, body)
}

func (w *Webhook) post(ctx context.Context, body webhookPayload) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Autoheal-Event", body.Type)
	req.Header.Set("X-Autoheal-Delivery", body.FailureID)
	req.Header.Set("X-Autoheal-Project", body.ProjectID)
	if strings.TrimSpace(w.secret) != "" {
		req.Header.Set("X-Autoheal-Secret", w.secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
