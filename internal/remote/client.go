// Package remote provides a typed HTTP client for the number-rental
// verification service: create, poll (SMS and voice), cancel and status.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every request made by a Client.
const DefaultTimeout = 15 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// API is the verification service contract the lifecycle controller depends on.
type API interface {
	Create(ctx context.Context, req CreateRequest) (Verification, error)
	PollMessages(ctx context.Context, id string) (MessagesResponse, error)
	PollVoice(ctx context.Context, id string) (VoiceRecord, error)
	Cancel(ctx context.Context, id string) (Refund, error)
	Status(ctx context.Context, id string) (Verification, error)
}

// TokenSource supplies the bearer credential attached to every request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token() (string, error) { return string(t), nil }

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, error)

// Token calls f.
func (f TokenFunc) Token() (string, error) { return f() }

// Client talks to the verification service over HTTP.
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	validate *validator.Validate
	logger   logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the service at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: DefaultTimeout},
		tokens:   tokens,
		validate: validator.New(),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create rents a new number for req.ServiceName.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Verification, error) {
	if err := c.validate.Struct(req); err != nil {
		return Verification{}, &Error{Kind: KindInvalidService, Detail: err.Error(), Err: err}
	}
	var v Verification
	if err := c.do(ctx, http.MethodPost, "/v1/verifications", req, &v); err != nil {
		return Verification{}, err
	}
	return v, nil
}

// PollMessages returns the SMS bodies received so far. No messages is not an error.
func (c *Client) PollMessages(ctx context.Context, id string) (MessagesResponse, error) {
	var body struct {
		Messages []string `json:"messages"`
		Status   Status   `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, verificationPath(id, "messages"), nil, &body); err != nil {
		return MessagesResponse{}, err
	}
	out := MessagesResponse{Status: body.Status, Messages: make([]Message, 0, len(body.Messages))}
	for _, text := range body.Messages {
		out.Messages = append(out.Messages, Message{Text: text})
	}
	return out, nil
}

// PollVoice returns the voice record of a voice verification. A record that
// has not been Received yet is the normal waiting state.
func (c *Client) PollVoice(ctx context.Context, id string) (VoiceRecord, error) {
	var rec VoiceRecord
	if err := c.do(ctx, http.MethodGet, verificationPath(id, "voice"), nil, &rec); err != nil {
		return VoiceRecord{}, err
	}
	return rec, nil
}

// Cancel releases the number and returns the refund.
func (c *Client) Cancel(ctx context.Context, id string) (Refund, error) {
	var r Refund
	if err := c.do(ctx, http.MethodPost, verificationPath(id, "cancel"), nil, &r); err != nil {
		return Refund{}, err
	}
	return r, nil
}

// Status refreshes a verification.
func (c *Client) Status(ctx context.Context, id string) (Verification, error) {
	var v Verification
	if err := c.do(ctx, http.MethodGet, verificationPath(id, ""), nil, &v); err != nil {
		return Verification{}, err
	}
	return v, nil
}

// Services lists the rentable services.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var body struct {
		Services []Service `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/services", nil, &body); err != nil {
		return nil, err
	}
	return body.Services, nil
}

func verificationPath(id, sub string) string {
	p := "/v1/verifications/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return &Error{Kind: KindUnauthenticated, Detail: err.Error(), Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	log := c.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       path,
		"request_id": requestID,
	})

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.WithError(err).Debug("request failed")
		return &Error{Kind: KindNetwork, Detail: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Detail: "reading response: " + err.Error(), Err: err}
	}
	log.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("request completed")

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Detail: "malformed response: " + err.Error(), Err: err}
	}
	return nil
}

// decodeError classifies a non-2xx response. A known error.kind in the body
// overrides the status-code mapping.
func decodeError(status int, body []byte) *Error {
	e := &Error{Kind: kindForStatus(status), StatusCode: status}

	var envelope struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if k := ErrorKind(envelope.Error.Kind); knownKinds[k] {
			e.Kind = k
		}
		e.Detail = envelope.Error.Message
	}
	if e.Detail == "" {
		e.Detail = strings.TrimSpace(string(body))
	}
	if e.Detail == "" {
		e.Detail = http.StatusText(status)
	}
	return e
}
