// Package transcode converts raw client audio chunks into the fixed
// WAV format the transcription backends expect.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Converter turns a raw audio file into mono 16kHz WAV and reports the
// measured duration. Failures are retryable job failures.
type Converter interface {
	Convert(ctx context.Context, rawPath string) (wavPath string, durationSec float64, err error)
}

// FFmpeg shells out to ffmpeg/ffprobe on PATH.
type FFmpeg struct {
	// TmpDir receives converted files; defaults to os.TempDir().
	TmpDir string
}

// NewFFmpeg returns a Converter writing converted audio under tmpDir.
func NewFFmpeg(tmpDir string) *FFmpeg {
	return &FFmpeg{TmpDir: tmpDir}
}

// Convert extracts mono 16kHz WAV from rawPath. The caller owns the
// returned file and removes it after use.
func (f *FFmpeg) Convert(ctx context.Context, rawPath string) (string, float64, error) {
	dir := f.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	base := strings.TrimSuffix(filepath.Base(rawPath), filepath.Ext(rawPath))
	out := filepath.Join(dir, base+"_16k.wav")

	// ffmpeg -y -i input -ac 1 -ar 16000 -f wav output
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y", "-i", rawPath,
		"-ac", "1", "-ar", "16000",
		"-f", "wav",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", 0, fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String()))
	}

	dur, err := f.probeDuration(ctx, out)
	if err != nil {
		os.Remove(out)
		return "", 0, err
	}
	return out, dur, nil
}

func (f *FFmpeg) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	outb, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(outb)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: parsing duration %q: %w", strings.TrimSpace(string(outb)), err)
	}
	return dur, nil
}

// tail keeps the last few lines of ffmpeg's stderr, which carry the
// actual error; the preamble is version banners.
func tail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " / ")
}
