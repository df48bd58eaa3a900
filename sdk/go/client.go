package dealflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal dealflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Deal represents the API deal model (partial).
type Deal struct {
	ID            string   `json:"id"`
	PinID         string   `json:"pin_id"`
	RepID         string   `json:"rep_id"`
	Status        string   `json:"status"`
	Position      int      `json:"position"`
	AwaitingAdmin bool     `json:"awaiting_admin"`
	HomeownerName *string  `json:"homeowner_name,omitempty"`
	Address       *string  `json:"address,omitempty"`
	RCV           *float64 `json:"rcv,omitempty"`
	ApprovedDate  *string  `json:"approved_date,omitempty"`
	UpdatedAt     string   `json:"updated_at"`
}

// Requirement is one unmet stage requirement.
type Requirement struct {
	Field string `json:"field"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of a write against a deal.
type Result struct {
	Deal     Deal          `json:"deal"`
	From     string        `json:"from"`
	To       string        `json:"to"`
	Noop     bool          `json:"noop"`
	Advanced bool          `json:"advanced"`
	Blocked  []Requirement `json:"blocked"`
	Notices  []Notice      `json:"notices"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	DealID  string         `json:"deal_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedDeals wraps list responses with cursors.
type PaginatedDeals struct {
	Items      []Deal `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListOptions filters DealsPage. Zero values are omitted.
type ListOptions struct {
	Status        string
	RepID         string
	AwaitingAdmin bool
	Limit         int
	Cursor        string
}

// CreateDeal converts a pin to a lead.
func (c *Client) CreateDeal(ctx context.Context, pinID string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "v1/deals", map[string]any{"pin_id": pinID}, &resp)
	return resp, err
}

// GetDeal fetches a deal by id.
func (c *Client) GetDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodGet, dealPath(id, ""), nil, &resp)
	return resp, err
}

// DealsPage returns one page of deals, newest first.
func (c *Client) DealsPage(ctx context.Context, opts ListOptions) (PaginatedDeals, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.RepID != "" {
		q.Set("rep_id", opts.RepID)
	}
	if opts.AwaitingAdmin {
		q.Set("awaiting_admin", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "v1/deals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedDeals
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateDeal sends a partial update. fields uses the wire names, e.g. "claim_number".
func (c *Client) UpdateDeal(ctx context.Context, id string, fields map[string]any) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPatch, dealPath(id, ""), fields, &resp)
	return resp, err
}

// Upload stores a photo set for the deal.
func (c *Client) Upload(ctx context.Context, id, category, fileName, mimeType string, data []byte) (Result, error) {
	body := map[string]any{
		"category":  category,
		"file_name": fileName,
		"mime_type": mimeType,
		"data":      data,
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, dealPath(id, "uploads"), body, &resp)
	return resp, err
}

// AttachDocument uploads a document into a document field such as "permit_key".
func (c *Client) AttachDocument(ctx context.Context, id, field, fileName, mimeType string, data []byte) (Result, error) {
	body := map[string]any{
		"field":     field,
		"file_name": fileName,
		"mime_type": mimeType,
		"data":      data,
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, dealPath(id, "documents"), body, &resp)
	return resp, err
}

// RequestPayment flags the deal for commission payout.
func (c *Client) RequestPayment(ctx context.Context, id string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, dealPath(id, "payment-request"), nil, &resp)
	return resp, err
}

// AdminAction applies an admin transition. params may carry install_date, status and reason.
func (c *Client) AdminAction(ctx context.Context, id, action string, params map[string]string) (Result, error) {
	if params == nil {
		params = map[string]string{}
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, dealPath(id, "admin/"+url.PathEscape(action)), params, &resp)
	return resp, err
}

// SetCommissionOverride sets the override, or clears it when amount is nil.
func (c *Client) SetCommissionOverride(ctx context.Context, id string, amount *float64, reason string) (Result, error) {
	body := map[string]any{"reason": reason}
	if amount != nil {
		body["amount"] = *amount
	}
	var resp Result
	err := c.do(ctx, http.MethodPut, dealPath(id, "commission-override"), body, &resp)
	return resp, err
}

// Financials returns the derived financial breakdown as decoded JSON.
func (c *Client) Financials(ctx context.Context, id string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, dealPath(id, "financials"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing. dealID and evtType are optional filters.
func (c *Client) EventsPage(ctx context.Context, dealID, evtType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if dealID != "" {
		q.Set("deal_id", dealID)
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func dealPath(id, sub string) string {
	p := "v1/deals/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
