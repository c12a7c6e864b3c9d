package transcription

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sepzie/SingWithMe/pkg/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocals.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF....WAVE"), 0644))
	return path
}

func newServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		if _, hdr, err := r.FormFile("file"); assert.NoError(t, err) {
			assert.Equal(t, "vocals.wav", hdr.Filename)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{
		"language": "english",
		"text": "hello world",
		"duration": 4.2,
		"segments": [
			{"id": 0, "start": 0.0, "end": 1.5, "text": " hello"},
			{"id": 1, "start": 1.5, "end": 4.2, "text": " world"}
		]
	}`)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test"})

	tr, err := c.Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)
	assert.Equal(t, "english", tr.Language)
	require.Len(t, tr.Segments, 2)
	assert.Equal(t, Segment{Start: 0, End: 1.5, Text: " hello"}, tr.Segments[0])
	assert.Equal(t, Segment{Start: 1.5, End: 4.2, Text: " world"}, tr.Segments[1])
}

func TestTranscribeEmptySegments(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"text": "", "segments": []}`)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test"})

	tr, err := c.Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)
	assert.NotNil(t, tr.Segments)
	assert.Empty(t, tr.Segments)
}

func TestTranscribeMissingSegments(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"text": "hello"}`)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test"})

	_, err := c.Transcribe(context.Background(), writeAudio(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSegments))
	assert.True(t, upstream.IsUpstream(err))
}

func TestTranscribeRejectsBadSegment(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"segments": [{"start": 2.0, "end": 1.0, "text": "x"}]}`)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test"})

	_, err := c.Transcribe(context.Background(), writeAudio(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed segment")
}

func TestTranscribeHTTPError(t *testing.T) {
	srv := newServer(t, http.StatusUnauthorized, `{"error": {"message": "bad key"}}`)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test"})

	_, err := c.Transcribe(context.Background(), writeAudio(t))
	var ue *upstream.Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "transcription", ue.Stage)
	assert.Equal(t, http.StatusUnauthorized, ue.StatusCode)
}

func TestTranscribeUnreachable(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", APIKey: "sk-test"})
	_, err := c.Transcribe(context.Background(), writeAudio(t))
	assert.True(t, upstream.IsUpstream(err))
}
