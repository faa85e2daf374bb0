package orchestrator

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/resilience/circuit"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/resilience/retry"
)

const pipelinePolicyEnv = "GENERATION_PIPELINE_YAML"

//go:embed pipeline.yaml
var pipelineFS embed.FS

type GradeRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (g GradeRange) Contains(grade int) bool { return grade >= g.Min && grade <= g.Max }

type RetrievalPolicy struct {
	K        int     `yaml:"k"`
	MinScore float64 `yaml:"min_score"`
}

type ScriptPolicy struct {
	MaxChars int `yaml:"max_chars"`
}

type StagePolicy struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Policy holds every tunable of the pipeline. The embedded pipeline.yaml is
// the default; GENERATION_PIPELINE_YAML points at a replacement file.
type Policy struct {
	Pipeline            string                              `yaml:"pipeline"`
	Version             int                                 `yaml:"version"`
	ConfidenceThreshold float64                             `yaml:"confidence_threshold"`
	GradeLevels         GradeRange                          `yaml:"grade_levels"`
	Retrieval           RetrievalPolicy                     `yaml:"retrieval"`
	Script              ScriptPolicy                        `yaml:"script"`
	Retry               retry.Config                        `yaml:"retry"`
	NotifyTimeout       time.Duration                       `yaml:"notify_timeout"`
	Dependencies        map[string]circuit.Config           `yaml:"dependencies"`
	Stages              map[generation.Status]StagePolicy `yaml:"stages"`
}

// LoadPolicy reads the override file when configured, else the embedded one.
func LoadPolicy() (*Policy, error) {
	data, err := readPolicy()
	if err != nil {
		return nil, fmt.Errorf("read pipeline policy: %w", err)
	}
	return ParsePolicy(data)
}

func readPolicy() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(pipelinePolicyEnv)); path != "" {
		return os.ReadFile(path)
	}
	return pipelineFS.ReadFile("pipeline.yaml")
}

// DefaultPolicy is the embedded policy. It panics only if the embedded file
// is broken, which the package tests catch.
func DefaultPolicy() *Policy {
	data, err := pipelineFS.ReadFile("pipeline.yaml")
	if err != nil {
		panic(err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		panic(err)
	}
	return p
}

func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) Validate() error {
	if p == nil {
		return errors.New("missing pipeline policy")
	}
	if strings.TrimSpace(p.Pipeline) != "content_generation" {
		return fmt.Errorf("unexpected pipeline: %q", p.Pipeline)
	}
	if p.ConfidenceThreshold <= 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0,1], got %v", p.ConfidenceThreshold)
	}
	if p.GradeLevels.Min > p.GradeLevels.Max {
		return fmt.Errorf("grade_levels: min %d > max %d", p.GradeLevels.Min, p.GradeLevels.Max)
	}
	if p.Retrieval.K <= 0 {
		return fmt.Errorf("retrieval.k must be positive, got %d", p.Retrieval.K)
	}
	if p.Retrieval.MinScore < -1 || p.Retrieval.MinScore >= 1 {
		return fmt.Errorf("retrieval.min_score must be in [-1,1), got %v", p.Retrieval.MinScore)
	}
	if p.Script.MaxChars <= 0 {
		return fmt.Errorf("script.max_chars must be positive, got %d", p.Script.MaxChars)
	}
	if p.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", p.Retry.MaxAttempts)
	}
	if p.Retry.BaseDelay < 0 || p.Retry.MaxDelay < 0 || p.Retry.Jitter < 0 {
		return errors.New("retry delays and jitter must not be negative")
	}
	for _, dep := range Dependencies() {
		cfg, ok := p.Dependencies[dep]
		if !ok {
			return fmt.Errorf("dependencies: missing breaker config for %q", dep)
		}
		if cfg.FailureThreshold <= 0 || cfg.Cooldown <= 0 {
			return fmt.Errorf("dependencies.%s: failure_threshold and cooldown must be positive", dep)
		}
	}
	for status := range p.Stages {
		if _, ok := stageDependency[status]; !ok {
			return fmt.Errorf("stages: %q is not an external-call stage", status)
		}
	}
	return nil
}

// StageTimeout bounds a single dependency call made by the stage.
func (p *Policy) StageTimeout(status generation.Status) time.Duration {
	if sp, ok := p.Stages[status]; ok && sp.Timeout > 0 {
		return sp.Timeout
	}
	return 60 * time.Second
}

func (p *Policy) notifyTimeout() time.Duration {
	if p.NotifyTimeout > 0 {
		return p.NotifyTimeout
	}
	return 10 * time.Second
}
