// Package artifacts stores the per-job output files and hands out URLs for them.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when an artifact does not exist
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidName is returned for names that would escape the job directory
	ErrInvalidName = errors.New("invalid artifact name")
)

// Store keeps the artifacts of finished jobs
type Store interface {
	Put(ctx context.Context, jobID, name, localPath string) error
	URL(ctx context.Context, jobID, name string) (string, error)
	Open(ctx context.Context, jobID, name string) (io.ReadCloser, error)
}

// LocalStore keeps artifacts under Root/<jobID>/<name> and serves them through the API
type LocalStore struct {
	Root          string
	PublicBaseURL string // e.g. "http://localhost:8000"; empty yields relative URLs
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root, publicBaseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root %s: %w", root, err)
	}
	return &LocalStore{Root: root, PublicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Dir returns the job's output directory
func (s *LocalStore) Dir(jobID string) string {
	return filepath.Join(s.Root, jobID)
}

func (s *LocalStore) path(jobID, name string) (string, error) {
	if err := validName(jobID); err != nil {
		return "", err
	}
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.Root, jobID, name), nil
}

// Put copies localPath into the job directory unless it is already there
func (s *LocalStore) Put(ctx context.Context, jobID, name, localPath string) error {
	dest, err := s.path(jobID, name)
	if err != nil {
		return err
	}
	if filepath.Clean(localPath) == dest {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy %s: %w", name, err)
	}
	return dst.Close()
}

// URL returns the download URL of an artifact
func (s *LocalStore) URL(ctx context.Context, jobID, name string) (string, error) {
	p, err := s.path(jobID, name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return fmt.Sprintf("%s/api/files/%s/%s", s.PublicBaseURL, url.PathEscape(jobID), url.PathEscape(name)), nil
}

// Open opens an artifact for reading
func (s *LocalStore) Open(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	p, err := s.path(jobID, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ContentType guesses the MIME type of an artifact from its name
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
