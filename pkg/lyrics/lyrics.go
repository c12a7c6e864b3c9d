// Package lyrics turns transcript segments into the timeline served to players.
package lyrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/Sepzie/SingWithMe/pkg/transcription"
)

// FileName is the timeline file inside a job's output directory
const FileName = "lyrics.json"

// Assemble maps every segment to a timeline entry, keeping count and order.
// The result is never nil.
func Assemble(segments []transcription.Segment) models.Timeline {
	timeline := make(models.Timeline, len(segments))
	for i, s := range segments {
		timeline[i] = models.LyricSegment{
			StartTime: s.Start,
			EndTime:   s.End,
			Text:      s.Text,
		}
	}
	return timeline
}

// WriteFile stores the timeline as JSON, replacing path atomically
func WriteFile(path string, timeline models.Timeline) error {
	if timeline == nil {
		timeline = models.Timeline{}
	}
	data, err := json.MarshalIndent(timeline, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lyrics: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write lyrics: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move lyrics into place: %w", err)
	}
	return nil
}

// ReadFile loads a timeline written by WriteFile
func ReadFile(path string) (models.Timeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses a JSON timeline
func Decode(data []byte) (models.Timeline, error) {
	timeline := models.Timeline{}
	if err := json.Unmarshal(data, &timeline); err != nil {
		return nil, fmt.Errorf("failed to parse lyrics: %w", err)
	}
	return timeline, nil
}
