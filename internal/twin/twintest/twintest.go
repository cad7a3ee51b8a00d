// Package twintest starts an in-process number twin for tests and wraps it
// with small HTTP helpers.
package twintest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/wondertwin-ai/tempnum/internal/twin"
	"github.com/wondertwin-ai/tempnum/internal/twin/store"
	"github.com/wondertwin-ai/tempnum/internal/twin/twincore"
)

// Secret signs every token issued by a test twin.
const Secret = "twintest-secret"

// Server is a running test twin.
type Server struct {
	*httptest.Server
	Twin  *twin.Twin
	Store *store.MemoryStore
	t     *testing.T
}

// Start runs a twin on an httptest server that is closed with the test.
func Start(t *testing.T) *Server {
	t.Helper()
	return StartWithConfig(t, &twincore.Config{})
}

// StartWithConfig is Start with a caller-supplied config. Name and Secret are
// filled in when empty.
func StartWithConfig(t *testing.T, cfg *twincore.Config) *Server {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "twin-numbers-test"
	}
	if cfg.Secret == "" {
		cfg.Secret = Secret
	}
	logger, _ := test.NewNullLogger()
	tw, err := twin.New(cfg, logger)
	if err != nil {
		t.Fatalf("failed to build twin: %v", err)
	}
	srv := httptest.NewServer(tw)
	t.Cleanup(srv.Close)
	return &Server{Server: srv, Twin: tw, Store: tw.Store, t: t}
}

// Token issues a bearer token valid for a day of simulated time.
func (s *Server) Token() string {
	s.t.Helper()
	token, _, err := s.Twin.Issuer.Issue("user_test", 24*time.Hour)
	if err != nil {
		s.t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// Client returns an authenticated client.
func (s *Server) Client() *Client {
	return &Client{BaseURL: s.URL, HTTPClient: s.Server.Client(), Token: s.Token(), t: s.t}
}

// Admin returns an unauthenticated client for the /admin control plane.
func (s *Server) Admin() *Client {
	return &Client{BaseURL: s.URL, HTTPClient: s.Server.Client(), t: s.t}
}

// Client performs JSON requests against a twin.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
	t          *testing.T
}

// Response wraps an HTTP response with helper methods.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) {
	r.t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		r.t.Fatalf("failed to unmarshal response: %v\nbody: %s", err, string(r.Body))
	}
}

// JSONMap returns the response body as a map.
func (r *Response) JSONMap() map[string]any {
	r.t.Helper()
	var m map[string]any
	r.JSON(&m)
	return m
}

// ErrorKind returns error.kind from an error envelope, or "".
func (r *Response) ErrorKind() string {
	var env struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	json.Unmarshal(r.Body, &env)
	return env.Error.Kind
}

// AssertStatus asserts the response has the expected status code.
func (r *Response) AssertStatus(expected int) *Response {
	r.t.Helper()
	if r.StatusCode != expected {
		r.t.Errorf("expected status %d, got %d\nbody: %s", expected, r.StatusCode, string(r.Body))
	}
	return r
}

// AssertBodyContains asserts the response body contains substr.
func (r *Response) AssertBodyContains(substr string) *Response {
	r.t.Helper()
	if !strings.Contains(string(r.Body), substr) {
		r.t.Errorf("expected body to contain %q, got: %s", substr, string(r.Body))
	}
	return r
}

// Get performs a GET request.
func (c *Client) Get(path string) *Response {
	c.t.Helper()
	return c.Do(http.MethodGet, path, nil, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(path string, body any) *Response {
	c.t.Helper()
	return c.Do(http.MethodPost, path, body, nil)
}

// Delete performs a DELETE request.
func (c *Client) Delete(path string) *Response {
	c.t.Helper()
	return c.Do(http.MethodDelete, path, nil, nil)
}

// Do performs a request with optional extra headers.
func (c *Client) Do(method, path string, body any, headers map[string]string) *Response {
	c.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("failed to marshal body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("failed to read response: %v", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data, Headers: resp.Header, t: c.t}
}

// Rent creates a verification and returns its id.
func (c *Client) Rent(service, capability string) string {
	c.t.Helper()
	resp := c.Post("/v1/verifications", map[string]string{
		"service_name": service,
		"capability":   capability,
	}).AssertStatus(http.StatusCreated)
	var v struct {
		ID string `json:"id"`
	}
	resp.JSON(&v)
	return v.ID
}

// DeliverSMS calls POST /admin/verifications/{id}/messages.
func (c *Client) DeliverSMS(id, text string) *Response {
	c.t.Helper()
	return c.Post("/admin/verifications/"+id+"/messages", map[string]string{"text": text})
}

// DeliverCall calls POST /admin/verifications/{id}/voice.
func (c *Client) DeliverCall(id string, call store.VoiceCall) *Response {
	c.t.Helper()
	return c.Post("/admin/verifications/"+id+"/voice", call)
}

// Expire calls POST /admin/verifications/{id}/expire.
func (c *Client) Expire(id string) *Response {
	c.t.Helper()
	return c.Post("/admin/verifications/"+id+"/expire", nil)
}

// InjectFault calls POST /admin/fault/{endpoint}.
func (c *Client) InjectFault(endpoint string, fault twincore.FaultConfig) *Response {
	c.t.Helper()
	return c.Post("/admin/fault/"+strings.TrimPrefix(endpoint, "/"), fault)
}

// AdvanceTime calls POST /admin/time/advance.
func (c *Client) AdvanceTime(duration string) *Response {
	c.t.Helper()
	return c.Post("/admin/time/advance", map[string]string{"duration": duration})
}

// Reset calls POST /admin/reset.
func (c *Client) Reset() *Response {
	c.t.Helper()
	return c.Post("/admin/reset", nil)
}
