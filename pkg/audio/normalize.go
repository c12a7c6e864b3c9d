// Package audio re-encodes audio artifacts before transcription.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrDisabled is returned when normalization is switched off
	ErrDisabled = errors.New("audio normalization disabled")
	// ErrFFmpegNotFound is returned when no ffmpeg binary can be located
	ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH")
)

// Normalizer converts audio to mono PCM WAV at a fixed sample rate
type Normalizer struct {
	Enabled    bool
	FFmpegPath string // binary name or path, "ffmpeg" when empty
	SampleRate int    // Hz, 16000 when zero
	Channels   int    // 1 when zero
}

// Normalize writes a normalized copy of in to outDir and returns its path.
// Callers fall back to the original file on any error.
func (n *Normalizer) Normalize(ctx context.Context, in, outDir string) (string, error) {
	if !n.Enabled {
		return "", ErrDisabled
	}

	bin := n.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	ffmpegPath, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFFmpegNotFound, err)
	}

	rate := n.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := n.Channels
	if channels <= 0 {
		channels = 1
	}

	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	out := filepath.Join(outDir, base+"_normalized.wav")

	// ffmpeg -y -i input -ac 1 -ar 16000 -f wav output
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"-f", "wav",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return out, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
