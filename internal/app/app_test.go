package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/queue"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/learning/corpus"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"all with memory", Config{RunMode: RunModeAll, QueueDriver: QueueDriverMemory}, ""},
		{"api with memory", Config{RunMode: RunModeAPI, QueueDriver: QueueDriverMemory}, "requires RUN_MODE=all"},
		{"redis without addr", Config{RunMode: RunModeWorker, QueueDriver: QueueDriverRedis}, "REDIS_ADDR"},
		{"redis worker", Config{RunMode: RunModeWorker, QueueDriver: QueueDriverRedis, RedisAddr: "localhost:6379"}, ""},
		{"temporal api", Config{RunMode: RunModeAPI, QueueDriver: QueueDriverTemporal}, ""},
		{"bad run mode", Config{RunMode: "batch", QueueDriver: QueueDriverMemory}, "RUN_MODE"},
		{"bad driver", Config{RunMode: RunModeAll, QueueDriver: "sqs"}, "QUEUE_DRIVER"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("RUN_MODE", "")
	t.Setenv("QUEUE_DRIVER", "")
	t.Setenv("PORT", "9090")
	t.Setenv("HTTP_ADDR", "")
	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RunMode != RunModeAll || cfg.QueueDriver != QueueDriverMemory || cfg.HTTPAddr != ":9090" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.runsAPI() || !cfg.runsWorker() {
		t.Fatalf("all mode should run api and worker")
	}
}

// setupLocalEnv points every dependency at local resources: SQLite, a
// directory artifact store, the in-process queue and a tiny corpus.
func setupLocalEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()

	corpusPath := filepath.Join(dir, "corpus.jsonl")
	f, err := os.Create(corpusPath)
	if err != nil {
		t.Fatalf("create corpus: %v", err)
	}
	err = corpus.WriteJSONL(f, []corpus.Chunk{
		{SourceID: "physics-1", Text: "Every action has an equal and opposite reaction.", Embedding: []float32{1, 0, 0}},
		{SourceID: "bio-1", Text: "Plants convert light into chemical energy.", Embedding: []float32{0, 1, 0}},
	})
	_ = f.Close()
	if err != nil {
		t.Fatalf("write corpus: %v", err)
	}

	t.Setenv("LOG_MODE", "test")
	t.Setenv("RUN_MODE", RunModeAll)
	t.Setenv("QUEUE_DRIVER", QueueDriverMemory)
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "generation.db"))
	t.Setenv("OBJECT_STORAGE_MODE", "local")
	t.Setenv("LOCAL_ARTIFACT_DIR", filepath.Join(dir, "artifacts"))
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("OPENAI_BASE_URL", "http://127.0.0.1:1")
	t.Setenv("FFMPEG_PATH", filepath.Join(dir, "no-ffmpeg"))
	t.Setenv("CORPUS_PATH", corpusPath)
	t.Setenv("GENERATION_PIPELINE_YAML", "")
}

func TestNewWiresLocalStack(t *testing.T) {
	setupLocalEnv(t)

	a, err := New(context.Background())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Server == nil || a.Hub == nil {
		t.Fatalf("api components missing")
	}
	if a.Services.Orchestrator == nil || a.Services.Processor == nil || a.pool == nil {
		t.Fatalf("worker components missing")
	}
	if a.clients.Media != nil {
		t.Fatalf("media tools should be disabled without ffmpeg")
	}

	body, _ := json.Marshal(map[string]any{"learner_query": "Explain gravity with skateboarding", "grade_level": 8})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generations", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	a.Server.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue: want=202 got=%d body=%s", rec.Code, rec.Body.String())
	}

	mem, ok := a.transport.Publisher.(*queue.Memory)
	if !ok {
		t.Fatalf("publisher: want *queue.Memory, got %T", a.transport.Publisher)
	}
	if ready, _ := mem.Depth(); ready != 1 {
		t.Fatalf("queue depth: want=1 got=%d", ready)
	}

	rec = httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "video_renderer") {
		t.Fatalf("healthcheck: code=%d body=%s", rec.Code, rec.Body.String())
	}
}
