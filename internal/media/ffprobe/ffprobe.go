// Package ffprobe reads video dimensions and duration with ffprobe.
package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Info is the first video stream's geometry and length.
type Info struct {
	Width    int
	Height   int
	Duration time.Duration
}

type probeOutput struct {
	Streams []struct {
		Width    int    `json:"width"`
		Height   int    `json:"height"`
		Duration string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe against path and parses the first video stream.
func Probe(ctx context.Context, binary, path string) (Info, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	if strings.TrimSpace(path) == "" {
		return Info{}, errors.New("ffprobe: empty path")
	}

	cmd := exec.CommandContext(ctx, binary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration:format=duration",
		"-of", "json",
		"--", path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return Parse(out)
}

// Parse decodes ffprobe JSON output. The stream duration is preferred; the
// container duration is used when the stream does not report one.
func Parse(data []byte) (Info, error) {
	var po probeOutput
	if err := json.Unmarshal(data, &po); err != nil {
		return Info{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	if len(po.Streams) == 0 {
		return Info{}, errors.New("ffprobe parse: no video stream")
	}
	s := po.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Info{}, fmt.Errorf("ffprobe parse: invalid dimensions %dx%d", s.Width, s.Height)
	}
	raw := strings.TrimSpace(s.Duration)
	if raw == "" || raw == "N/A" {
		raw = strings.TrimSpace(po.Format.Duration)
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return Info{}, fmt.Errorf("ffprobe parse: invalid duration %q", raw)
	}
	return Info{
		Width:    s.Width,
		Height:   s.Height,
		Duration: time.Duration(secs * float64(time.Second)),
	}, nil
}
