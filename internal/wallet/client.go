// Package wallet is the HTTP client for the platform's wallet service.
// Deposits consume exactly one operation from it: crediting a user's
// balance after a verified deposit.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"slipdesk/internal/common/money"
)

// Config holds wallet service connection configuration.
type Config struct {
	BaseURL string        `envconfig:"WALLET_BASE_URL" required:"true"`
	APIKey  string        `envconfig:"WALLET_API_KEY" required:"true"`
	Timeout time.Duration `envconfig:"WALLET_TIMEOUT" default:"10s"`
}

// Client calls the wallet service.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new wallet client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type creditRequest struct {
	UserID      string `json:"user_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	Source      string `json:"source"`
}

type creditResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Credit adds funds to a user's wallet. Reference is the deposit request
// id; the wallet service dedupes on it, so a retried credit is safe.
func (c *Client) Credit(ctx context.Context, userID string, amount money.Money, reference string) error {
	body, err := json.Marshal(creditRequest{
		UserID:      userID,
		AmountMinor: amount.AmountMinor,
		Currency:    string(amount.Currency),
		Reference:   reference,
		Source:      "deposit",
	})
	if err != nil {
		return fmt.Errorf("marshal credit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/internal/v1/wallets/credit", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create credit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call wallet service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read wallet response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet service returned status %d: %s", resp.StatusCode, respBody)
	}

	var cr creditResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return fmt.Errorf("decode wallet response: %w", err)
	}
	if !cr.Success {
		return fmt.Errorf("wallet credit declined: %s", cr.Message)
	}
	return nil
}
