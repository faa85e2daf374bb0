// Package providers implements the pipeline capabilities on top of OpenAI,
// the artifact store and the realtime bus.
package providers

import (
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/learning/corpus"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/gcp"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/localmedia"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/openai"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime/bus"
)

type Deps struct {
	Log    *logger.Logger
	AI     openai.Client
	Index  *corpus.Index
	Store  gcp.ArtifactStore
	Media  localmedia.Tools
	Events bus.Bus
	Video  VideoConfig
}

func VideoConfigFromEnv() VideoConfig {
	return VideoConfig{
		DurationSeconds: envutil.Int("VIDEO_DURATION_SECONDS", 12),
		Size:            envutil.String("OPENAI_VIDEO_SIZE", ""),
		MuxAudio:        envutil.Bool("MEDIA_MUX_AUDIO", true),
		PromptChars:     envutil.Int("VIDEO_PROMPT_MAX_CHARS", 4000),
	}
}

// NewSet wires one implementation of every capability.
func NewSet(d Deps) capability.Set {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	return capability.Set{
		Extractor: NewTopicExtractor(d.AI),
		Embedder:  NewEmbedder(d.AI),
		Retriever: d.Index,
		Scripts:   NewScriptGenerator(d.AI),
		Audio:     NewAudioSynthesizer(d.AI, d.Store),
		Video:     NewVideoRenderer(log, d.AI, d.Store, d.Media, d.Video),
		Notifier:  NewNotifier(d.Events),
	}
}
