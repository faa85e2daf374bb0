package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/gcp"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/localmedia"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/openai"
)

type VideoConfig struct {
	DurationSeconds int
	Size            string
	// MuxAudio lays the narration over the rendered clip with ffmpeg. When
	// false the clip is stored as rendered.
	MuxAudio    bool
	PromptChars int
}

// VideoRenderer renders a clip from the script, optionally adds the
// narration track, and stores the result. It blocks for the whole render.
type VideoRenderer struct {
	log   *logger.Logger
	ai    openai.Client
	store gcp.ArtifactStore
	media localmedia.Tools
	cfg   VideoConfig
}

func NewVideoRenderer(log *logger.Logger, ai openai.Client, store gcp.ArtifactStore, media localmedia.Tools, cfg VideoConfig) *VideoRenderer {
	if cfg.PromptChars <= 0 {
		cfg.PromptChars = 4000
	}
	if media == nil {
		cfg.MuxAudio = false
	}
	return &VideoRenderer{
		log:   log.With("service", "VideoRenderer"),
		ai:    ai,
		store: store,
		media: media,
		cfg:   cfg,
	}
}

func (v *VideoRenderer) Render(ctx context.Context, script string, audioRef string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", capability.Permanentf("render: empty script")
	}
	gen, err := v.ai.GenerateVideo(ctx, videoPrompt(script, v.cfg.PromptChars), openai.VideoGenerationOptions{
		DurationSeconds: v.cfg.DurationSeconds,
		Size:            v.cfg.Size,
	})
	if err != nil {
		return "", classify("render", err)
	}
	if len(gen.Bytes) == 0 {
		return "", capability.Retryablef("render: job %s returned no bytes", gen.ID)
	}

	body := gen.Bytes
	if v.cfg.MuxAudio && strings.TrimSpace(audioRef) != "" {
		muxed, err := v.mux(ctx, gen.Bytes, audioRef)
		if err != nil {
			return "", err
		}
		body = muxed
	}

	key := "videos/" + contentKey(script, audioRef) + ".mp4"
	ref, err := v.store.Upload(ctx, key, bytes.NewReader(body))
	if err != nil {
		return "", classify("upload video", err)
	}
	v.log.Info("Video stored", "video_job_id", gen.ID, "ref", ref, "bytes", len(body))
	return ref, nil
}

func (v *VideoRenderer) mux(ctx context.Context, video []byte, audioRef string) ([]byte, error) {
	videoPath, cleanupVideo, err := v.media.WriteTempFile(ctx, video, ".mp4")
	if err != nil {
		return nil, capability.Retryable(fmt.Errorf("render: stage video: %w", err))
	}
	defer cleanupVideo()

	rc, err := v.store.Open(ctx, audioRef)
	if err != nil {
		return nil, classify("render: open narration", err)
	}
	audio, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, classify("render: read narration", err)
	}
	audioPath, cleanupAudio, err := v.media.WriteTempFile(ctx, audio, filepath.Ext(audioRef))
	if err != nil {
		return nil, capability.Retryable(fmt.Errorf("render: stage narration: %w", err))
	}
	defer cleanupAudio()

	outPath := strings.TrimSuffix(videoPath, ".mp4") + ".muxed.mp4"
	defer os.Remove(outPath)
	if _, err := v.media.MuxNarration(ctx, videoPath, audioPath, outPath, localmedia.MuxOptions{}); err != nil {
		return nil, capability.Retryable(fmt.Errorf("render: %w", err))
	}
	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, capability.Retryable(fmt.Errorf("render: read muxed video: %w", err))
	}
	return out, nil
}

func videoPrompt(script string, maxChars int) string {
	script = strings.TrimSpace(script)
	if len(script) > maxChars {
		script = script[:maxChars]
	}
	return strings.Join([]string{
		"A bright, friendly animated explainer video for school students.",
		"Clean illustrated style, clear visual metaphors, no on-screen text, no real people.",
		"Visualize this narration scene by scene:",
		script,
	}, "\n")
}
