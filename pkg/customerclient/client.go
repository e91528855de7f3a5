/**
 * @description
 * This package provides a client for the customer directory service. Transfers
 * resolve senders and receivers by national id through this client.
 *
 * The port is fail-closed by design: a customer that cannot be positively
 * resolved is treated as absent or unavailable, never guessed. Identity is the
 * one thing this service refuses to degrade on.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package customerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrCustomerNotFound is returned for a non-2xx response or an empty body.
var ErrCustomerNotFound = errors.New("customer not found")

// Customer is the subset of the directory record the transfer-service needs.
type Customer struct {
	ID          uuid.UUID `json:"id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Status      string    `json:"status"`
	KYCVerified bool      `json:"kyc_verified"`
}

// IsActive reports whether the customer may take part in transfers.
func (c *Customer) IsActive() bool {
	return strings.EqualFold(strings.TrimSpace(c.Status), "active")
}

// Client is a client for the customer directory API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new customer directory client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetByNationalID looks up a customer by national id. A non-2xx response or an
// empty body means not found; transport failures propagate to the caller, who
// maps them to a service-unavailable error (fail-closed).
func (c *Client) GetByNationalID(ctx context.Context, nationalID string) (*Customer, error) {
	endpoint := fmt.Sprintf("%s/customers/by-national-id/%s", c.BaseURL, url.PathEscape(strings.TrimSpace(nationalID)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Internal-Api-Key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("customer lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ErrCustomerNotFound
	}

	var customer Customer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, ErrCustomerNotFound
	}
	if customer.ID == uuid.Nil {
		return nil, ErrCustomerNotFound
	}
	return &customer, nil
}
