package orchestrator

import (
	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/resilience/circuit"
)

// Dependency names; one breaker each, shared by every request in the process.
const (
	DepExtractor          = "extractor"
	DepRetrieverEmbedding = "retriever_embedding"
	DepScriptGenerator    = "script_generator"
	DepAudioSynthesizer   = "audio_synthesizer"
	DepVideoRenderer      = "video_renderer"
)

var stageDependency = map[generation.Status]string{
	generation.StatusValidating:        DepExtractor,
	generation.StatusRetrieving:        DepRetrieverEmbedding,
	generation.StatusGeneratingScript:  DepScriptGenerator,
	generation.StatusSynthesizingAudio: DepAudioSynthesizer,
	generation.StatusRenderingVideo:    DepVideoRenderer,
}

func Dependencies() []string {
	return []string{DepExtractor, DepRetrieverEmbedding, DepScriptGenerator, DepAudioSynthesizer, DepVideoRenderer}
}

type Breakers struct {
	byName map[string]*circuit.Breaker
}

// NewBreakers builds one breaker per dependency. Only retryable errors count
// as dependency failures; a rejected input says nothing about its health.
func NewBreakers(configs map[string]circuit.Config, log *logger.Logger, metrics *observability.Metrics) *Breakers {
	if log == nil {
		log = logger.Nop()
	}
	b := &Breakers{byName: map[string]*circuit.Breaker{}}
	for _, dep := range Dependencies() {
		cfg, ok := configs[dep]
		if !ok {
			cfg = circuit.DefaultConfig
		}
		b.byName[dep] = circuit.New(dep, cfg,
			circuit.WithFailurePredicate(capability.IsRetryable),
			circuit.WithStateListener(func(name string, from, to circuit.State) {
				metrics.SetBreakerState(name, int(to))
				if to == circuit.Closed {
					log.Info("Circuit breaker closed", "dependency", name, "from", from.String())
					return
				}
				log.Warn("Circuit breaker state change", "dependency", name, "from", from.String(), "to", to.String())
			}),
		)
		metrics.SetBreakerState(dep, int(circuit.Closed))
	}
	return b
}

func (b *Breakers) Get(dep string) *circuit.Breaker {
	if b == nil {
		return nil
	}
	return b.byName[dep]
}

// States reports every breaker's state by dependency name.
func (b *Breakers) States() map[string]string {
	out := map[string]string{}
	if b == nil {
		return out
	}
	for name, br := range b.byName {
		out[name] = br.State().String()
	}
	return out
}
