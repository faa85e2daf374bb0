package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/gcp"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/openai"
)

// AudioSynthesizer narrates a script and stores the audio. Keys are derived
// from the script so a repeated call overwrites the same object.
type AudioSynthesizer struct {
	ai    openai.Client
	store gcp.ArtifactStore
}

func NewAudioSynthesizer(ai openai.Client, store gcp.ArtifactStore) *AudioSynthesizer {
	return &AudioSynthesizer{ai: ai, store: store}
}

func (a *AudioSynthesizer) Synthesize(ctx context.Context, script string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", capability.Permanentf("synthesize: empty script")
	}
	speech, err := a.ai.Speech(ctx, script)
	if err != nil {
		return "", classify("synthesize", err)
	}
	if len(speech.Bytes) == 0 {
		return "", capability.Retryablef("synthesize: empty audio")
	}
	key := "audio/" + contentKey(script) + audioExt(speech.MimeType)
	ref, err := a.store.Upload(ctx, key, bytes.NewReader(speech.Bytes))
	if err != nil {
		return "", classify("upload audio", err)
	}
	return ref, nil
}

func audioExt(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	default:
		return ".mp3"
	}
}

func contentKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
