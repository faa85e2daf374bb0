package localmedia

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/ctxutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

// Tools wraps the ffmpeg binary. Calls are synchronous and belong in worker
// stages, not request handlers.
type Tools interface {
	AssertReady(ctx context.Context) error

	// MuxNarration lays the narration track over the rendered video and
	// writes an mp4 to outPath. The output is as long as the shorter input.
	MuxNarration(ctx context.Context, videoPath, audioPath, outPath string, opts MuxOptions) (string, error)

	WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error)
}

type MuxOptions struct {
	AudioCodec   string // default "aac"
	AudioBitrate string // default "128k"
	// KeepSourceAudio mixes the video's own track under the narration.
	KeepSourceAudio bool
}

type Config struct {
	FFmpegPath string
	WorkRoot   string
	Timeout    time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		FFmpegPath: envutil.String("FFMPEG_PATH", "ffmpeg"),
		WorkRoot:   envutil.String("MEDIA_WORK_ROOT", filepath.Join(os.TempDir(), "vividly-media")),
		Timeout:    envutil.Duration("MEDIA_MUX_TIMEOUT", 5*time.Minute),
	}
}

type tools struct {
	log            *logger.Logger
	ffmpegPath     string
	workRoot       string
	defaultTimeout time.Duration
}

func New(log *logger.Logger, cfg Config) Tools {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "vividly-media")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &tools{
		log:            log.With("service", "MediaTools"),
		ffmpegPath:     cfg.FFmpegPath,
		workRoot:       cfg.WorkRoot,
		defaultTimeout: cfg.Timeout,
	}
}

func (m *tools) AssertReady(ctx context.Context) error {
	if _, err := exec.LookPath(m.ffmpegPath); err != nil {
		return fmt.Errorf("missing required binary %q in PATH: %w", m.ffmpegPath, err)
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return fmt.Errorf("create workRoot: %w", err)
	}
	return nil
}

func (m *tools) WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error) {
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir workRoot: %w", err)
	}
	h := sha256.Sum256(data)
	base := hex.EncodeToString(h[:])[:16]
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	path := filepath.Join(m.workRoot, base+suffix)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", func() {}, fmt.Errorf("write temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(path) }
	return path, cleanup, nil
}

func (m *tools) MuxNarration(ctx context.Context, videoPath, audioPath, outPath string, opts MuxOptions) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.AssertReady(ctx); err != nil {
		return "", err
	}
	if videoPath == "" || audioPath == "" {
		return "", fmt.Errorf("videoPath and audioPath required")
	}
	if outPath == "" {
		return "", fmt.Errorf("outPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir outPath dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(ctx, m.ffmpegPath, muxArgs(videoPath, audioPath, outPath, opts)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ffmpeg mux: %w", ctx.Err())
		}
		return "", fmt.Errorf("ffmpeg mux failed: %w; out=%s", err, tail(out, 2048))
	}
	if st, err := os.Stat(outPath); err != nil || st.Size() == 0 {
		return "", fmt.Errorf("mux output missing at %s", outPath)
	}
	m.log.Debug("Muxed narration", append(ctxutil.LogFields(ctx), "out", outPath, "duration_ms", time.Since(started).Milliseconds())...)
	return outPath, nil
}

func muxArgs(videoPath, audioPath, outPath string, opts MuxOptions) []string {
	codec := strings.TrimSpace(opts.AudioCodec)
	if codec == "" {
		codec = "aac"
	}
	bitrate := strings.TrimSpace(opts.AudioBitrate)
	if bitrate == "" {
		bitrate = "128k"
	}
	args := []string{"-y", "-i", videoPath, "-i", audioPath}
	if opts.KeepSourceAudio {
		args = append(args,
			"-filter_complex", "[0:a][1:a]amix=inputs=2:duration=shortest:weights=0.3 1[a]",
			"-map", "0:v:0", "-map", "[a]",
		)
	} else {
		args = append(args, "-map", "0:v:0", "-map", "1:a:0")
	}
	return append(args,
		"-c:v", "copy",
		"-c:a", codec,
		"-b:a", bitrate,
		"-shortest",
		"-movflags", "+faststart",
		outPath,
	)
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
