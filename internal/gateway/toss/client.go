// Package toss implements gateway.Client against a Toss-style payments API:
// confirm and cancel are POSTs, query is a GET, and authentication is the
// base64-encoded secret key via HTTP basic auth.
package toss

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/droplabs/market/internal/gateway"
)

var _ gateway.Client = (*Client)(nil)

// Config holds connection settings for the payments API.
type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// Client is an HTTP implementation of gateway.Client.
type Client struct {
	baseURL string
	auth    string
	http    *http.Client
}

// New creates a Client. A zero timeout defaults to 10 seconds.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.SecretKey+":")),
		http:    &http.Client{Timeout: timeout},
	}
}

type paymentResponse struct {
	PaymentKey  string          `json:"paymentKey"`
	OrderID     string          `json:"orderId"`
	Status      string          `json:"status"`
	Method      string          `json:"method"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	ApprovedAt  *time.Time      `json:"approvedAt"`
	CanceledAt  *time.Time      `json:"canceledAt"`
	Cancels     []cancelRecord  `json:"cancels"`
	MID         string          `json:"mId"`
}

type cancelRecord struct {
	CanceledAt   *time.Time `json:"canceledAt"`
	CancelReason string     `json:"cancelReason"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Confirm finalizes a payment the buyer authorized in the gateway checkout.
func (c *Client) Confirm(ctx context.Context, paymentKey, orderKey string, amount decimal.Decimal) (*gateway.Confirmation, error) {
	body := map[string]any{
		"paymentKey": paymentKey,
		"orderId":    orderKey,
		"amount":     amount,
	}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments/confirm", body, &resp); err != nil {
		return nil, wrapOp(err, "confirm")
	}

	conf := &gateway.Confirmation{
		PaymentKey: resp.PaymentKey,
		OrderKey:   resp.OrderID,
		Status:     resp.Status,
		Method:     resp.Method,
		MerchantID: resp.MID,
	}
	if resp.ApprovedAt != nil {
		conf.ApprovedAt = *resp.ApprovedAt
	}
	return conf, nil
}

// Query fetches the provider's current view of a payment.
func (c *Client) Query(ctx context.Context, paymentKey string) (*gateway.PaymentInfo, error) {
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+paymentKey, nil, &resp); err != nil {
		return nil, wrapOp(err, "query")
	}

	return &gateway.PaymentInfo{
		PaymentKey:  resp.PaymentKey,
		OrderKey:    resp.OrderID,
		Status:      resp.Status,
		Method:      resp.Method,
		TotalAmount: resp.TotalAmount,
		ApprovedAt:  resp.ApprovedAt,
	}, nil
}

// Cancel voids or refunds an approved payment.
func (c *Client) Cancel(ctx context.Context, paymentKey, reason string) (*gateway.Cancellation, error) {
	body := map[string]any{"cancelReason": reason}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments/"+paymentKey+"/cancel", body, &resp); err != nil {
		return nil, wrapOp(err, "cancel")
	}

	// The cancellation time lives in the cancels history; some responses
	// also carry it top-level.
	canceledAt := time.Now()
	switch {
	case len(resp.Cancels) > 0 && resp.Cancels[len(resp.Cancels)-1].CanceledAt != nil:
		canceledAt = *resp.Cancels[len(resp.Cancels)-1].CanceledAt
	case resp.CanceledAt != nil:
		canceledAt = *resp.CanceledAt
	}
	return &gateway.Cancellation{
		PaymentKey: resp.PaymentKey,
		Status:     resp.Status,
		CanceledAt: canceledAt,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reqBody = bytes.NewReader(b)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", c.auth)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Code != "" {
			return &apiError{code: apiErr.Code, message: apiErr.Message, status: resp.StatusCode}
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

type apiError struct {
	code    string
	message string
	status  int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.code, e.status, e.message)
}

func wrapOp(err error, op string) error {
	ge := &gateway.Error{Op: op, Err: err}
	var ae *apiError
	if errors.As(err, &ae) {
		ge.Code = ae.code
	}
	return ge
}
