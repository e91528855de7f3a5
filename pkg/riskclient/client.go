/**
 * @description
 * This package provides a client for the fraud risk scoring service. Unlike the
 * customer and exchange-rate ports, this port carries a configurable
 * degradation policy and defaults to fail-open: when the risk service cannot be
 * reached, the client synthesizes a Medium-risk assessment instead of failing
 * the whole transfer. That trade-off (availability over strictness, for the one
 * check that carries no identity) is deliberately visible in configuration
 * rather than buried in a catch block.
 *
 * @dependencies
 * - context, encoding/json, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: The assessed amount is a fixed-point decimal.
 * - internal/domain: Risk level enum.
 */
package riskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

// Policy selects the degradation behavior when the risk service is unreachable.
type Policy string

const (
	PolicyFailOpen   Policy = "fail_open"
	PolicyFailClosed Policy = "fail_closed"
)

// AssessmentRequest is the payload sent to the risk service.
type AssessmentRequest struct {
	SenderID         uuid.UUID       `json:"sender_id"`
	ReceiverID       uuid.UUID       `json:"receiver_id"`
	AmountInBase     decimal.Decimal `json:"amount_in_base_currency"`
	SenderNationalID string          `json:"sender_national_id"`
}

// Assessment is the risk service's verdict.
type Assessment struct {
	RiskLevel domain.RiskLevel `json:"risk_level"`
	Message   string           `json:"message"`
	Degraded  bool             `json:"-"`
}

// Client is a client for the fraud risk API.
type Client struct {
	BaseURL    string
	Policy     Policy
	HTTPClient *http.Client
}

// NewClient creates a new fraud risk client with the given degradation policy.
func NewClient(baseURL string, policy Policy) *Client {
	if policy != PolicyFailClosed {
		policy = PolicyFailOpen
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Policy:  policy,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Assess scores a transfer. Under the fail-open policy any failure to obtain a
// verdict degrades to Medium risk with a logged warning; under fail-closed the
// error propagates and the transfer is refused.
func (c *Client) Assess(ctx context.Context, req AssessmentRequest) (*Assessment, error) {
	assessment, err := c.assess(ctx, req)
	if err == nil {
		return assessment, nil
	}
	if c.Policy == PolicyFailClosed {
		return nil, err
	}
	log.Printf("level=warn component=risk_client msg=\"risk service unavailable; degrading to medium risk\" sender_id=%s err=%v", req.SenderID, err)
	return &Assessment{
		RiskLevel: domain.RiskMedium,
		Message:   "risk service unavailable; defaulted to medium risk",
		Degraded:  true,
	}, nil
}

func (c *Client) assess(ctx context.Context, req AssessmentRequest) (*Assessment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/assessments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("risk assessment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("risk service returned status %d", resp.StatusCode)
	}

	var assessment Assessment
	if err := json.NewDecoder(resp.Body).Decode(&assessment); err != nil {
		return nil, fmt.Errorf("risk assessment response decode failed: %w", err)
	}

	switch assessment.RiskLevel {
	case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
		return &assessment, nil
	default:
		return nil, fmt.Errorf("risk service returned unknown risk level %q", assessment.RiskLevel)
	}
}
