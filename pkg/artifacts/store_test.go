package artifacts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "outputs"), "http://localhost:8000/")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "vocals.wav")
	require.NoError(t, os.WriteFile(src, []byte("VOCALS"), 0644))

	_, err = s.URL(ctx, "job1", "vocals.wav")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "job1", "vocals.wav", src))

	u, err := s.URL(ctx, "job1", "vocals.wav")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api/files/job1/vocals.wav", u)

	rc, err := s.Open(ctx, "job1", "vocals.wav")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "VOCALS", string(data))

	// a file already in the job directory is left in place
	inPlace := filepath.Join(s.Dir("job1"), "vocals.wav")
	require.NoError(t, s.Put(ctx, "job1", "vocals.wav", inPlace))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)

	for _, name := range []string{"../secret", "..", "a/b", `a\b`, ""} {
		_, err := s.Open(ctx, "job1", name)
		assert.True(t, errors.Is(err, ErrInvalidName), "name %q: %v", name, err)
	}
	_, err = s.Open(ctx, "..", "vocals.wav")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "audio/wav", ContentType("vocals.WAV"))
	assert.Equal(t, "application/json", ContentType("lyrics.json"))
	assert.Equal(t, "application/octet-stream", ContentType("blob"))
}
