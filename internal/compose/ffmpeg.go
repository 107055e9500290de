package compose

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	logx "chanpost/pkg/logx"
)

// filterGraph scales the image and icon overlays and stacks image, icon and
// caption onto the clip in that order.
func filterGraph(imageW, iconW int, l Layout) string {
	return fmt.Sprintf(
		"[1]scale=w=%d:h=-1[overlay1];"+
			"[2]scale=w=%d:h=-1[overlay2];"+
			"[0][overlay1]overlay=%d:%d[bg1];"+
			"[bg1][overlay2]overlay=%d:%d[bg2];"+
			"[bg2][3]overlay=%d:%d",
		imageW, iconW,
		l.ImageX, l.ImageY,
		l.IconX, l.IconY,
		l.TextX, l.TextY,
	)
}

func ffmpegArgs(clip, img, icon, caption, out string, imageW, iconW int, l Layout) []string {
	return []string{
		"-y",
		"-i", clip,
		"-i", img,
		"-i", icon,
		"-i", caption,
		"-filter_complex", filterGraph(imageW, iconW, l),
		"-codec:a", "copy",
		"-map_metadata", "-1",
		out,
	}
}

func (c *Compositor) runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, c.cfg.FFmpeg, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		c.log.Error("ffmpeg failed",
			logx.Err(err),
			logx.String("stdout", tail(stdout.String(), 2000)),
			logx.String("stderr", tail(stderr.String(), 2000)),
		)
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(strings.TrimSpace(stderr.String()), 300))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
