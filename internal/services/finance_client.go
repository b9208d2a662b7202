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

	"github.com/trumarket/backend/internal/models"
)

// FinanceClient mirrors deal activity into the investor-facing finance
// application. A missing base URL disables the integration, methods then
// return without doing anything.
type FinanceClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewFinanceClient(baseURL string, log *zap.Logger) *FinanceClient {
	return &FinanceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

func (c *FinanceClient) enabled() bool { return c.baseURL != "" }

// PublishShipment exposes a published deal to investors.
func (c *FinanceClient) PublishShipment(ctx context.Context, deal *models.Deal) error {
	if !c.enabled() {
		return nil
	}
	milestones := make([]map[string]any, len(deal.Milestones))
	for i, m := range deal.Milestones {
		milestones[i] = map[string]any{
			"description":       m.Description,
			"fundsDistribution": m.FundsDistribution,
		}
	}
	return c.post(ctx, "/internal/shipments", map[string]any{
		"shipmentId":       deal.ID.String(),
		"name":             deal.Name,
		"origin":           deal.Origin,
		"destination":      deal.Destination,
		"quality":          deal.Quality,
		"variety":          deal.Variety,
		"investmentAmount": deal.InvestmentAmount,
		"revenue":          deal.Revenue,
		"netBalance":       deal.NetBalance,
		"roi":              deal.ROI,
		"milestones":       milestones,
	})
}

// UpdateMilestone reflects a milestone transition on the investor side.
func (c *FinanceClient) UpdateMilestone(ctx context.Context, dealID string, milestoneIndex int, status string) error {
	if !c.enabled() {
		return nil
	}
	return c.post(ctx, fmt.Sprintf("/internal/shipments/%s/milestones/%d", dealID, milestoneIndex), map[string]any{
		"status": status,
	})
}

// CreateActivity records a lifecycle entry on the shipment timeline.
func (c *FinanceClient) CreateActivity(ctx context.Context, dealID, activityType, description string) error {
	if !c.enabled() {
		return nil
	}
	return c.post(ctx, fmt.Sprintf("/internal/shipments/%s/activities", dealID), map[string]any{
		"type":        activityType,
		"description": description,
	})
}

func (c *FinanceClient) post(ctx context.Context, path string, payload any) error {
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
		return fmt.Errorf("finance app unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("finance app returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
