package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NotifierClient talks to the internal notifications service, which fans
// events out to email and push channels. Delivery is best effort: callers log
// failures and move on, a lost notification never blocks a deal operation.
type NotifierClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewNotifierClient(baseURL string, log *zap.Logger) *NotifierClient {
	return &NotifierClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type notificationPayload struct {
	Event      string         `json:"event"`
	DealID     string         `json:"dealId,omitempty"`
	Recipients []string       `json:"recipients"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notify delivers an event to a set of user ids.
func (c *NotifierClient) Notify(ctx context.Context, event, dealID string, recipients []string, data map[string]any) error {
	if len(recipients) == 0 {
		return nil
	}
	return c.post(ctx, "/internal/notifications", notificationPayload{
		Event:      event,
		DealID:     dealID,
		Recipients: recipients,
		Data:       data,
	})
}

// InviteToSignup emails an address that appears on a deal but has no account yet.
func (c *NotifierClient) InviteToSignup(ctx context.Context, email, dealID, dealName string) error {
	return c.post(ctx, "/internal/invitations", map[string]any{
		"email":    email,
		"dealId":   dealID,
		"dealName": dealName,
	})
}

func (c *NotifierClient) post(ctx context.Context, path string, payload any) error {
	if c.baseURL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notifier unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notifier returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
