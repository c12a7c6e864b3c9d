// Package upstream holds the plumbing shared by the separation and transcription clients.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Sepzie/SingWithMe/pkg/tracing"
)

// Error is a failure of a remote stage: unreachable, non-success, or a malformed response
type Error struct {
	Stage      string // "separation" or "transcription"
	StatusCode int    // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with the stage it came from. Nil stays nil.
func Wrap(stage string, err error) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}
	return &Error{Stage: stage, Err: err}
}

// IsUpstream reports whether err came from a remote stage
func IsUpstream(err error) bool {
	var ue *Error
	return errors.As(err, &ue)
}

// PostFile uploads the file at path as multipart field alongside the given form fields
func PostFile(ctx context.Context, client *http.Client, url, field, path string, fields [][2]string, header http.Header) (*http.Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", kv[0], err)
		}
	}
	fw, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("failed to copy file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// CheckStatus turns a non-2xx response into an error carrying a snippet of the body.
// The body is left open for the caller to close.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

// StatusError is a non-success HTTP response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed with status %d", e.Code)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Body)
}
