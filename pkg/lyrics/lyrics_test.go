package lyrics

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/Sepzie/SingWithMe/pkg/transcription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemble(t *testing.T) {
	tests := []struct {
		name     string
		segments []transcription.Segment
		want     models.Timeline
	}{
		{
			name:     "empty",
			segments: []transcription.Segment{},
			want:     models.Timeline{},
		},
		{
			name:     "nil",
			segments: nil,
			want:     models.Timeline{},
		},
		{
			name: "keeps order and overlaps",
			segments: []transcription.Segment{
				{Start: 0, End: 2.5, Text: "Hello"},
				{Start: 2, End: 4, Text: " darkness"},
				{Start: 10, End: 12, Text: "my old friend"},
			},
			want: models.Timeline{
				{StartTime: 0, EndTime: 2.5, Text: "Hello"},
				{StartTime: 2, EndTime: 4, Text: " darkness"},
				{StartTime: 10, EndTime: 12, Text: "my old friend"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Assemble(tt.segments)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEmptyTimelineEncodesAsArray(t *testing.T) {
	data, err := json.Marshal(Assemble(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	want := models.Timeline{{StartTime: 1, EndTime: 2, Text: "la"}}

	require.NoError(t, WriteFile(path, want))
	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, WriteFile(path, nil))
	got, err = ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}
