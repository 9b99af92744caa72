// Package client is an HTTP client of the authority API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/protravka/protravka/authority"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/http/api"
	"github.com/protravka/protravka/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 10 * time.Second

// Username is the basic auth user of the authority API.
const Username = "treatd"

// Client talks to the authority API.
//
// Requests that get no definitive answer (transport failures and
// server errors) return errors wrapping authority.ErrUnreachable.
// Rejections return errors wrapping the matching authority sentinel.
type Client struct {
	base   *url.URL
	client *http.Client
	apiKey string
	logger log.Logger
}

type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithAPIKey sets the basic auth password sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client of the authority at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid authority url: %q", baseURL)
	}
	c := &Client{
		base:   base,
		client: &http.Client{Timeout: DefaultTimeout},
		logger: log.NopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) url(elem ...string) string {
	for i := range elem {
		elem[i] = url.PathEscape(elem[i])
	}
	return c.base.JoinPath(append([]string{"v1"}, elem...)...).String()
}

// errorFor converts a non-success response into an error.
func errorFor(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := new(api.Error)
	if len(body) > 0 && json.Unmarshal(body, apiErr) == nil && apiErr.Code != "" {
		if apiErr.Code == authority.CodeAlreadyClaimed && apiErr.ClaimedBy != "" {
			return &authority.ClaimedError{ClaimedBy: execution.Operator{Name: apiErr.ClaimedBy}}
		}
		if codeErr := authority.ErrorForCode(apiErr.Code); codeErr != nil {
			return fmt.Errorf("%w: %s", codeErr, apiErr.Err)
		}
	}
	msg := apiErr.Err
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	err := fmt.Errorf("authority status %d: %s", resp.StatusCode, msg)
	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", authority.ErrUnreachable, err)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %w", authority.ErrRequestRejected, err)
	}
	return err
}

// do sends the request and decodes a JSON response into out, if set.
func (c *Client) do(ctx context.Context, method, u, contentType string, body []byte, out interface{}) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.SetBasicAuth(Username, c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		ctxlog.Logger(ctx, c.logger).Debug(
			logkeys.Message, "authority request",
			"method", method,
			"url", u,
			logkeys.Error, err,
		)
		return fmt.Errorf("%w: %w", authority.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFor(resp)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		// a truncated reply is no definitive answer
		return fmt.Errorf("%w: decoding response: %w", authority.ErrUnreachable, err)
	}
	return nil
}

func (c *Client) orderAction(ctx context.Context, action, id string, op execution.Operator) (*execution.Order, error) {
	body, err := json.Marshal(&struct {
		OperatorID   string `json:"operator_id"`
		OperatorName string `json:"operator_name,omitempty"`
	}{OperatorID: op.ID, OperatorName: op.Name})
	if err != nil {
		return nil, err
	}
	o := new(execution.Order)
	err = c.do(ctx, http.MethodPost, c.url("orders", id, action), "application/json", body, o)
	var claimed *authority.ClaimedError
	if errors.As(err, &claimed) {
		claimed.OrderID = id
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ClaimOrder claims id for op.
// Returns an *authority.ClaimedError if another operator has it.
func (c *Client) ClaimOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	return c.orderAction(ctx, "claim", id, op)
}

// ReleaseOrder gives up op's claim of id.
func (c *Client) ReleaseOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	return c.orderAction(ctx, "release", id, op)
}

// CompleteOrder ends op's execution of id.
func (c *Client) CompleteOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	return c.orderAction(ctx, "complete", id, op)
}

func (c *Client) GetOrder(ctx context.Context, id string) (*execution.Order, error) {
	o := new(execution.Order)
	if err := c.do(ctx, http.MethodGet, c.url("orders", id), "", nil, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders lists orders having status, or all orders.
func (c *Client) ListOrders(ctx context.Context, status execution.OrderStatus) ([]*execution.Order, error) {
	u := c.url("orders")
	if status != "" {
		u += "?" + url.Values{"status": {string(status)}}.Encode()
	}
	var orders []*execution.Order
	if err := c.do(ctx, http.MethodGet, u, "", nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// PutOrder registers or replaces an order.
func (c *Client) PutOrder(ctx context.Context, o *execution.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, c.url("orders", o.ID), "application/json", body, nil)
}

// SaveRecord sends a full snapshot of r.
func (c *Client) SaveRecord(ctx context.Context, r *execution.ExecutionRecord) error {
	body, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, c.url("records", r.OrderID), "application/json", body, nil)
}

// GetRecord returns the last snapshot the authority accepted for orderID.
func (c *Client) GetRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error) {
	r := new(execution.ExecutionRecord)
	if err := c.do(ctx, http.MethodGet, c.url("records", orderID), "", nil, r); err != nil {
		return nil, err
	}
	return r, nil
}

// UploadMedia uploads an image.
func (c *Client) UploadMedia(ctx context.Context, id, contentType string, data []byte) error {
	return c.do(ctx, http.MethodPut, c.url("media", id), contentType, data, nil)
}
