// Package transcription talks to an OpenAI-compatible speech-to-text endpoint.
package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/upstream"
)

const stage = "transcription"

// ErrNoSegments means the response carried no segments field at all
var ErrNoSegments = errors.New("no segments found")

// Segment is one timed chunk of recognised speech
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the canonical transcription result.
// Segments is never nil; an empty slice means no speech was detected.
type Transcript struct {
	Language string
	Text     string
	Duration float64
	Segments []Segment
}

// Config holds client configuration
type Config struct {
	BaseURL string // e.g. "https://api.openai.com/v1"
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client calls the transcription service
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a transcription client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Transcribe sends the audio at audioPath and returns its timed segments
func (c *Client) Transcribe(ctx context.Context, audioPath string) (*Transcript, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := upstream.PostFile(ctx, c.httpClient,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/audio/transcriptions",
		"file", audioPath,
		[][2]string{
			{"model", c.cfg.Model},
			{"response_format", "verbose_json"},
			{"timestamp_granularities[]", "segment"},
		},
		header,
	)
	if err != nil {
		return nil, upstream.Wrap(stage, err)
	}
	defer resp.Body.Close()

	if err := upstream.CheckStatus(resp); err != nil {
		return nil, &upstream.Error{Stage: stage, StatusCode: resp.StatusCode, Err: err}
	}

	var raw response
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, upstream.Wrap(stage, fmt.Errorf("failed to decode response: %w", err))
	}
	t, err := raw.canonical()
	if err != nil {
		return nil, upstream.Wrap(stage, err)
	}
	return t, nil
}

// response mirrors verbose_json. Segments is a pointer so a missing field
// can be told apart from an empty list.
type response struct {
	Language string     `json:"language"`
	Text     string     `json:"text"`
	Duration float64    `json:"duration"`
	Segments *[]Segment `json:"segments"`
}

// canonical validates the raw response and converts it
func (r response) canonical() (*Transcript, error) {
	if r.Segments == nil {
		return nil, ErrNoSegments
	}
	segments := make([]Segment, len(*r.Segments))
	for i, s := range *r.Segments {
		if s.End <= s.Start {
			return nil, fmt.Errorf("malformed segment %d: end %.3f not after start %.3f", i, s.End, s.Start)
		}
		segments[i] = s
	}
	return &Transcript{
		Language: r.Language,
		Text:     r.Text,
		Duration: r.Duration,
		Segments: segments,
	}, nil
}
