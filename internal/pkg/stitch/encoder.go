// Package stitch downloads finished clips, concatenates them with an overlay
// caption and stores the result as one video.
package stitch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Encoder concatenates the files listed in a concat-demuxer manifest into
// outputPath, burning overlayText into the picture.
type Encoder interface {
	Concat(ctx context.Context, manifestPath, overlayText, outputPath string) error
}

// FFmpegEncoder runs the ffmpeg binary.
type FFmpegEncoder struct {
	Path     string
	FontFile string
}

func NewFFmpegEncoder(path, fontFile string) *FFmpegEncoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegEncoder{Path: path, FontFile: fontFile}
}

// Available reports whether the binary can be found.
func (e *FFmpegEncoder) Available() bool {
	_, err := exec.LookPath(e.Path)
	return err == nil
}

func (e *FFmpegEncoder) Concat(ctx context.Context, manifestPath, overlayText, outputPath string) error {
	cmd := exec.CommandContext(ctx, e.Path, e.Args(manifestPath, overlayText, outputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 2048))
	}
	return nil
}

// Args builds the ffmpeg command line: concat demuxer input, drawtext caption
// centered near the bottom, 30 fps H.264/AAC output.
func (e *FFmpegEncoder) Args(manifestPath, overlayText, outputPath string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-vf", e.drawtext(overlayText),
		"-r", "30",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "22",
		"-b:v", "5000k",
		"-c:a", "aac",
		"-pix_fmt", "yuv420p",
		outputPath,
	}
}

func (e *FFmpegEncoder) drawtext(text string) string {
	var b strings.Builder
	b.WriteString("drawtext=")
	if e.FontFile != "" {
		b.WriteString("fontfile='" + escapeFilterValue(e.FontFile) + "':")
	}
	b.WriteString("text='" + escapeFilterValue(text) + "'")
	b.WriteString(":fontcolor=white:fontsize=36:box=1:boxcolor=black@0.4:boxborderw=10")
	b.WriteString(":x=(w-text_w)/2:y=h-text_h-40")
	return b.String()
}

// escapeFilterValue escapes a value placed inside single quotes in a
// filter graph.
func escapeFilterValue(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `'\''`, `:`, `\:`, `%`, `\%`)
	return r.Replace(s)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
