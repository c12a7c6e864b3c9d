// Package separation drives the remote vocal/accompaniment separation service.
package separation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/retry"
	"github.com/Sepzie/SingWithMe/pkg/tracing"
	"github.com/Sepzie/SingWithMe/pkg/upstream"
)

const stage = "separation"

// Artifact file names inside a job's output directory
const (
	VocalFile        = "vocals.wav"
	InstrumentalFile = "accompaniment.wav"
)

var (
	// ErrMissingVocals means the service answered without a vocals artifact
	ErrMissingVocals = errors.New("response missing vocals artifact")
	// ErrRejected means the service reported a non-success status
	ErrRejected = errors.New("separation rejected")
)

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   retry.Config // applied to artifact downloads only
}

// Result describes the artifacts written to the output directory
type Result struct {
	SeparationID     string
	VocalPath        string
	InstrumentalPath string // empty when the backing track could not be fetched
	InstrumentalErr  error  // why InstrumentalPath is empty, if it is
}

// Client calls the separation service
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a separation client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// separateResponse is the body of POST /separate
type separateResponse struct {
	Status       string `json:"status"`
	SeparationID string `json:"separation_id"`
	Files        struct {
		Vocals        string `json:"vocals"`
		Accompaniment string `json:"accompaniment"`
	} `json:"files"`
}

// Separate uploads audioPath, then downloads the vocal and backing tracks into outDir.
// The vocal track is required; a failed backing-track download is reported in Result.
func (c *Client) Separate(ctx context.Context, audioPath, outDir string) (*Result, error) {
	resp, err := upstream.PostFile(ctx, c.httpClient, c.cfg.BaseURL+"/separate", "file", audioPath, nil, nil)
	if err != nil {
		return nil, upstream.Wrap(stage, err)
	}
	defer resp.Body.Close()

	if err := upstream.CheckStatus(resp); err != nil {
		return nil, &upstream.Error{Stage: stage, StatusCode: resp.StatusCode, Err: err}
	}

	var sr separateResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, upstream.Wrap(stage, fmt.Errorf("failed to decode response: %w", err))
	}
	if sr.Status != "" && sr.Status != "success" {
		return nil, upstream.Wrap(stage, fmt.Errorf("%w: status %q", ErrRejected, sr.Status))
	}
	if sr.Files.Vocals == "" {
		return nil, upstream.Wrap(stage, ErrMissingVocals)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	result := &Result{SeparationID: sr.SeparationID}

	vocalPath := filepath.Join(outDir, VocalFile)
	if err := c.download(ctx, sr.Files.Vocals, vocalPath); err != nil {
		return nil, upstream.Wrap(stage, fmt.Errorf("failed to download vocals: %w", err))
	}
	result.VocalPath = vocalPath

	if sr.Files.Accompaniment == "" {
		result.InstrumentalErr = errors.New("response missing accompaniment artifact")
		return result, nil
	}
	instPath := filepath.Join(outDir, InstrumentalFile)
	if err := c.download(ctx, sr.Files.Accompaniment, instPath); err != nil {
		result.InstrumentalErr = fmt.Errorf("failed to download accompaniment: %w", err)
		return result, nil
	}
	result.InstrumentalPath = instPath

	return result, nil
}

// download fetches ref (a path on the service or an absolute URL) into dest with retries
func (c *Client) download(ctx context.Context, ref, dest string) error {
	url := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		url = c.cfg.BaseURL + "/" + strings.TrimLeft(ref, "/")
	}

	return retry.Do(ctx, c.cfg.Retry, func() error {
		err := c.fetch(ctx, url, dest)
		var se *upstream.StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := upstream.CheckStatus(resp); err != nil {
		return err
	}
	return writeAtomic(dest, resp.Body)
}

// writeAtomic writes r to a temp file next to dest and renames it into place
func writeAtomic(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dest, err)
	}
	return os.Rename(tmp.Name(), dest)
}
