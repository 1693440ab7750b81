package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a holdfast API server.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	PartyID string // The party the key belongs to
}

// Client is a plain HTTP client for the holdfast API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is an error response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Code)
}

// doRequest makes an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// QuoteFees asks the server for a fee quote.
func (c *Client) QuoteFees(ctx context.Context, price, category, rail, tier string, auction bool) (json.RawMessage, error) {
	body := map[string]any{
		"price":    price,
		"category": category,
		"rail":     rail,
		"tier":     tier,
		"auction":  auction,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/fees/quote", nil, body)
}

// CreateEscrowParams are the inputs to CreateEscrow. The buyer is always
// the configured party.
type CreateEscrowParams struct {
	SellerID       string
	Amount         string
	Chain          string
	ExpirationDays int
	Category       string
	Metadata       string
}

// CreateEscrow opens an escrow with the configured party as buyer.
func (c *Client) CreateEscrow(ctx context.Context, p CreateEscrowParams) (json.RawMessage, error) {
	body := map[string]any{
		"buyerId":        c.cfg.PartyID,
		"sellerId":       p.SellerID,
		"amount":         p.Amount,
		"chain":          p.Chain,
		"expirationDays": p.ExpirationDays,
		"category":       p.Category,
		"metadata":       p.Metadata,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// LockFunds moves the buyer's funds into custody.
func (c *Client) LockFunds(ctx context.Context, escrowID, externalTxRef string) (json.RawMessage, error) {
	body := map[string]string{"externalTxRef": externalTxRef}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/lock", nil, body)
}

// ConfirmConditions confirms delivery as the buyer.
func (c *Client) ConfirmConditions(ctx context.Context, escrowID, evidence string) (json.RawMessage, error) {
	body := map[string]string{"evidence": evidence}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/confirm", nil, body)
}

// ReleaseFunds pays the seller.
func (c *Client) ReleaseFunds(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/release", nil, nil)
}

// GetEscrow fetches one escrow.
func (c *Client) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(escrowID), nil, nil)
}

// ListEscrows lists the configured party's escrows.
func (c *Client) ListEscrows(ctx context.Context, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(c.cfg.PartyID)+"/escrows", q, nil)
}

// OpenDispute disputes an escrow.
func (c *Client) OpenDispute(ctx context.Context, escrowID, reason, description string) (json.RawMessage, error) {
	body := map[string]any{
		"reason":      reason,
		"description": description,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/dispute", nil, body)
}

// GetDispute fetches one dispute.
func (c *Client) GetDispute(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(disputeID), nil, nil)
}

// CastVote submits the configured party's arbitration vote.
func (c *Client) CastVote(ctx context.Context, disputeID, decision, refundPercentage, reasoning string) (json.RawMessage, error) {
	if refundPercentage == "" {
		refundPercentage = "0"
	}
	body := map[string]any{
		"decision":         decision,
		"refundPercentage": refundPercentage,
		"reasoning":        reasoning,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(disputeID)+"/votes", nil, body)
}

// GlobalAnalytics returns platform-wide totals.
func (c *Client) GlobalAnalytics(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/analytics/global", nil, nil)
}

// UserAnalytics returns totals for one party.
func (c *Client) UserAnalytics(ctx context.Context, partyID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/analytics/users/"+url.PathEscape(partyID), nil, nil)
}
