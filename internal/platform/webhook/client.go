package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// DefaultTimeout bounds one batch submission.
const DefaultTimeout = 30 * time.Second

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBasicAuth sets the credentials sent with every submission.
func WithBasicAuth(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithSigningSecret adds an X-Webhook-Signature header to every submission.
func WithSigningSecret(secret string) ClientOption {
	return func(c *Client) { c.secret = secret }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sends requests through hc instead of a fresh transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// Client submits batches and classifies the responses.
type Client struct {
	rest     *resty.Client
	hc       *http.Client
	username string
	password string
	secret   string
	timeout  time.Duration
}

// Submission is an acknowledged batch.
type Submission struct {
	StatusCode int
	Result     *Result
}

// NewClient builds a Client. Retries are left to the next synchronisation
// run, so resty's retry loop is not enabled.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{timeout: DefaultTimeout}
	for _, o := range opts {
		o(c)
	}
	if c.hc != nil {
		c.rest = resty.NewWithClient(c.hc)
	} else {
		c.rest = resty.New()
	}
	c.rest.
		SetTimeout(c.timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return c
}

// Submit POSTs the batch to url. It fails with apperr.ErrAuthentication on
// HTTP 401, apperr.ErrTransport on network errors and other non-200
// statuses, and apperr.ErrProtocol when the 200 body is not an
// acknowledgement. A failed submission leaves every record untouched.
func (c *Client) Submit(ctx context.Context, url string, batch BatchRequest) (*Submission, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	req := c.rest.R().
		SetContext(ctx).
		SetBody(payload).
		SetHeader("X-Webhook-Timestamp", FormatTime(time.Now()))
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if c.secret != "" {
		req.SetHeader("X-Webhook-Signature", "sha256="+SignPayload(payload, c.secret))
	}

	resp, err := req.Post(url)
	if err != nil {
		return nil, fmt.Errorf("%w: post %s batch: %v", apperr.ErrTransport, batch.Kind, err)
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusUnauthorized:
		return &Submission{StatusCode: code}, fmt.Errorf("%w: %s endpoint rejected credentials", apperr.ErrAuthentication, batch.Kind)
	case code != http.StatusOK:
		return &Submission{StatusCode: code}, fmt.Errorf("%w: %s endpoint answered %d", apperr.ErrTransport, batch.Kind, code)
	}

	result, err := ParseResponse(resp.Body())
	if err != nil {
		return &Submission{StatusCode: code}, err
	}
	return &Submission{StatusCode: code, Result: result}, nil
}
