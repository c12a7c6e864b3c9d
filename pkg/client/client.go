// Package client talks to a SingWithMe server over its HTTP API and status socket.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sepzie/SingWithMe/pkg/api"
	"github.com/Sepzie/SingWithMe/pkg/middleware"
	"github.com/Sepzie/SingWithMe/pkg/models"
)

// StatusError is a non-200 answer from the server
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Client manages communication with the server
type Client struct {
	baseURL    string
	apiKey     string
	tlsConfig  *tls.Config
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithAPIKey sends key as a bearer token on every request
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTLSConfig sets the TLS configuration for HTTPS and WSS connections
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8000"
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(c)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.tlsConfig != nil {
		transport.TLSClientConfig = c.tlsConfig
	}
	// no overall timeout: uploads of long songs are slow on mobile links
	c.httpClient = &http.Client{Transport: transport}
	return c
}

// BaseURL returns the server URL without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Upload sends the file at path and returns the new job id.
// A non-empty owner files the project under that user.
func (c *Client) Upload(ctx context.Context, path, owner string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return c.UploadReader(ctx, filepath.Base(path), f, owner)
}

// UploadReader streams r as a file named filename
func (c *Client) UploadReader(ctx context.Context, filename string, r io.Reader, owner string) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, "POST", "/api/upload", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if owner != "" {
		req.Header.Set(middleware.OwnerHeader, owner)
	}

	var result struct {
		JobID string `json:"jobId"`
	}
	err = c.do(req, &result)
	// unblocks the writer if the server answered before reading everything
	pr.Close()
	if err != nil {
		return "", err
	}
	return result.JobID, nil
}

// Status returns the current record of a job
func (c *Client) Status(ctx context.Context, jobID string) (*models.Job, error) {
	req, err := c.newRequest(ctx, "GET", "/api/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := c.do(req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Tracks returns the track URLs and lyrics of a completed job
func (c *Client) Tracks(ctx context.Context, jobID string) (*models.Tracks, error) {
	req, err := c.newRequest(ctx, "GET", "/api/tracks/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	var tracks models.Tracks
	if err := c.do(req, &tracks); err != nil {
		return nil, err
	}
	return &tracks, nil
}

// Projects lists the projects of owner, or all projects when owner is empty
func (c *Client) Projects(ctx context.Context, owner string) ([]models.ProjectSummary, error) {
	req, err := c.newRequest(ctx, "GET", "/api/projects", nil)
	if err != nil {
		return nil, err
	}
	if owner != "" {
		req.Header.Set(middleware.OwnerHeader, owner)
	}
	var projects []models.ProjectSummary
	if err := c.do(req, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// socketURL maps the server URL onto its /ws endpoint
func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Follow subscribes to jobID and calls fn for every status event, starting
// with the current one. It returns the final record once the job completes or fails.
func (c *Client) Follow(ctx context.Context, jobID string, fn func(models.Event)) (*models.Job, error) {
	wsURL, err := c.socketURL()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  c.tlsConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{StatusCode: resp.StatusCode, Message: "socket handshake rejected"}
		}
		return nil, fmt.Errorf("failed to open socket: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(api.ClientFrame{Type: api.FrameSubscribe, JobID: jobID}); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	for {
		var frame struct {
			models.Event
			Message string `json:"message"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("connection closed: %w", err)
		}
		if frame.Event.Event == "error" {
			return nil, fmt.Errorf("server rejected subscription: %s", frame.Message)
		}
		if frame.Status == nil {
			continue
		}

		if fn != nil {
			fn(frame.Event)
		}
		if frame.Event.IsTerminal() {
			return frame.Status, nil
		}
	}
}
