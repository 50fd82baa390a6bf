package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"zappipe/config"
)

// Toolbox runs the external media tools.
type Toolbox interface {
	AudioTrack(ctx context.Context, video []byte) ([]byte, error)
	Frames(ctx context.Context, video []byte, n int) ([][]byte, error)
	RenderPDFPages(ctx context.Context, pdf []byte, pages int) ([][]byte, error)
}

// FFmpeg implements Toolbox with ffmpeg, ffprobe and pdftoppm binaries.
type FFmpeg struct {
	ffmpeg   string
	ffprobe  string
	pdftoppm string
}

// NewFFmpeg returns a Toolbox using the configured binary paths.
func NewFFmpeg(cfg config.MediaConfig) *FFmpeg {
	return &FFmpeg{ffmpeg: cfg.FFmpegPath, ffprobe: cfg.FFprobePath, pdftoppm: cfg.PdftoppmPath}
}

func writeTemp(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	_ = f.Close()
	return f.Name(), nil
}

func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// AudioTrack extracts the audio of a video as mp3.
func (f *FFmpeg) AudioTrack(ctx context.Context, video []byte) ([]byte, error) {
	in, err := writeTemp("video-*.mp4", video)
	if err != nil {
		return nil, err
	}
	defer os.Remove(in)

	out, err := run(ctx, f.ffmpeg, "-v", "error", "-i", in, "-vn", "-acodec", "libmp3lame", "-f", "mp3", "pipe:1")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("video has no audio track")
	}
	return out, nil
}

func (f *FFmpeg) duration(ctx context.Context, path string) (float64, error) {
	out, err := run(ctx, f.ffprobe, "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

// Frames grabs n JPEG frames spread evenly over the video.
func (f *FFmpeg) Frames(ctx context.Context, video []byte, n int) ([][]byte, error) {
	if n < 1 {
		n = 1
	}
	in, err := writeTemp("video-*.mp4", video)
	if err != nil {
		return nil, err
	}
	defer os.Remove(in)

	dur, err := f.duration(ctx, in)
	if err != nil || dur <= 0 {
		dur = 0
	}

	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		at := dur * float64(i+1) / float64(n+1)
		out, err := run(ctx, f.ffmpeg, "-v", "error",
			"-ss", strconv.FormatFloat(at, 'f', 2, 64),
			"-i", in,
			"-frames:v", "1",
			"-f", "image2", "-vcodec", "mjpeg", "pipe:1")
		if err != nil {
			return frames, err
		}
		if len(out) > 0 {
			frames = append(frames, out)
		}
		if dur == 0 {
			break
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames extracted")
	}
	return frames, nil
}

// RenderPDFPages rasterizes the first pages of a PDF to JPEG.
func (f *FFmpeg) RenderPDFPages(ctx context.Context, pdf []byte, pages int) ([][]byte, error) {
	in, err := writeTemp("doc-*.pdf", pdf)
	if err != nil {
		return nil, err
	}
	defer os.Remove(in)

	dir, err := os.MkdirTemp("", "pages-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if _, err := run(ctx, f.pdftoppm, "-jpeg", "-r", "150", "-f", "1", "-l", strconv.Itoa(pages), in, filepath.Join(dir, "page")); err != nil {
		return nil, err
	}
	names, err := filepath.Glob(filepath.Join(dir, "page*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pdftoppm rendered no pages")
	}
	return out, nil
}
