/**
 * @description
 * This package provides a client for the exchange rate service. It is
 * fail-closed: the orchestration never guesses a rate, so any transport
 * failure, non-2xx response, or non-positive rate is a hard error. The one
 * shortcut is same-currency pairs, which resolve to rate 1 without a network
 * call.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: The rate is a fixed-point decimal.
 */
package fxclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rate is the exchange rate response.
type Rate struct {
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Rate         decimal.Decimal `json:"rate"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Client is a client for the exchange rate API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new exchange rate client.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetRate fetches the rate for converting fromCurrency into toCurrency.
func (c *Client) GetRate(ctx context.Context, fromCurrency, toCurrency string) (*Rate, error) {
	from := strings.ToUpper(strings.TrimSpace(fromCurrency))
	to := strings.ToUpper(strings.TrimSpace(toCurrency))

	if from == to {
		return &Rate{
			FromCurrency: from,
			ToCurrency:   to,
			Rate:         decimal.NewFromInt(1),
			Timestamp:    time.Now().UTC(),
		}, nil
	}

	endpoint := fmt.Sprintf("%s/rates?from=%s&to=%s", c.BaseURL, url.QueryEscape(from), url.QueryEscape(to))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange rate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("exchange rate service returned status %d for %s/%s", resp.StatusCode, from, to)
	}

	var rate Rate
	if err := json.NewDecoder(resp.Body).Decode(&rate); err != nil {
		return nil, fmt.Errorf("exchange rate response decode failed: %w", err)
	}
	if !rate.Rate.IsPositive() {
		return nil, fmt.Errorf("exchange rate service returned non-positive rate %s for %s/%s", rate.Rate, from, to)
	}
	return &rate, nil
}
