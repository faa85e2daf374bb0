package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/httpx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

func newTestClient(t *testing.T, h http.Handler) Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(logger.Nop(), Config{
		BaseURL:      srv.URL,
		APIKey:       "sk-test",
		Model:        "test-model",
		EmbedModel:   "test-embed",
		SpeechModel:  "test-tts",
		SpeechVoice:  "alloy",
		VideoModel:   "test-video",
		VideoSize:    "1280x720",
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestEmbedOrdersByIndex(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" || r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		var req embeddingsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-embed" || len(req.Input) != 2 || req.Input[1] != " " {
			t.Errorf("request: got %+v", req)
		}
		_, _ = io.WriteString(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`)
	}))

	out, err := c.Embed(context.Background(), []string{"forces", "  "})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(out) != 2 || out[0][0] != 1 || out[1][1] != 1 {
		t.Fatalf("Embed: got %v", out)
	}
}

func TestEmbedMissingVectorFails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"index":0,"embedding":[1,0]}]}`)
	}))
	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatalf("Embed: want error for missing vector")
	}
}

func TestGenerateJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		format := req["text"].(map[string]any)["format"].(map[string]any)
		if format["type"] != "json_schema" || format["name"] != "topic" {
			t.Errorf("format: got %v", format)
		}
		input := req["input"].([]any)
		if sys := input[0].(map[string]any)["content"].(string); !strings.HasSuffix(sys, "---\nsys") {
			t.Errorf("system prompt not styled: %q", sys)
		}
		_, _ = io.WriteString(w, `{"output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"{\"topic\":\"gravity\",\"confidence\":0.9}"}]}]}`)
	}))

	obj, err := c.GenerateJSON(context.Background(), "sys", "user", "topic", map[string]any{"type": "object"})
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if obj["topic"] != "gravity" || obj["confidence"] != 0.9 {
		t.Fatalf("GenerateJSON: got %v", obj)
	}
}

func TestGenerateTextRefusal(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"output":[{"type":"message","role":"assistant","content":[{"type":"refusal","refusal":"unsafe"}]}]}`)
	}))
	_, err := c.GenerateText(context.Background(), "sys", "user")
	var refusal *RefusalError
	if !errors.As(err, &refusal) || refusal.Reason != "unsafe" {
		t.Fatalf("GenerateText: got %v, want RefusalError", err)
	}
}

func TestStatusErrorsAreClassified(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
			_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
		}))
		_, err := c.GenerateText(context.Background(), "sys", "user")
		var se *httpx.StatusError
		if !errors.As(err, &se) || se.StatusCode != tc.code {
			t.Fatalf("code %d: got %v", tc.code, err)
		}
		if got := httpx.IsRetryableError(err); got != tc.retryable {
			t.Fatalf("code %d: retryable=%v want %v", tc.code, got, tc.retryable)
		}
	}
}

func TestSpeech(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req speechRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Voice != "alloy" || req.Input != "hello" {
			t.Errorf("request: got %+v", req)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3audio"))
	}))
	sp, err := c.Speech(context.Background(), " hello ")
	if err != nil {
		t.Fatalf("Speech: %v", err)
	}
	if string(sp.Bytes) != "ID3audio" || sp.MimeType != "audio/mpeg" {
		t.Fatalf("Speech: got %q %q", sp.Bytes, sp.MimeType)
	}
}

func TestGenerateVideoPollsUntilComplete(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/videos", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("content-type: %q", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil || r.FormValue("seconds") != "8" {
			t.Errorf("form: err=%v seconds=%q", err, r.FormValue("seconds"))
		}
		_, _ = io.WriteString(w, `{"id":"vid_1","status":"queued"}`)
	})
	mux.HandleFunc("/v1/videos/vid_1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			_, _ = io.WriteString(w, `{"id":"vid_1","status":"in_progress"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"vid_1","status":"completed"}`)
	})
	mux.HandleFunc("/v1/videos/vid_1/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("\x00\x00\x00\x18ftypmp42rest"))
	})
	c := newTestClient(t, mux)

	v, err := c.GenerateVideo(context.Background(), "a ball bouncing", VideoGenerationOptions{DurationSeconds: 7})
	if err != nil {
		t.Fatalf("GenerateVideo: %v", err)
	}
	if v.ID != "vid_1" || v.MimeType != "video/mp4" || len(v.Bytes) == 0 {
		t.Fatalf("GenerateVideo: got id=%s mime=%s len=%d", v.ID, v.MimeType, len(v.Bytes))
	}
	if polls.Load() != 3 {
		t.Fatalf("polls: got %d, want 3", polls.Load())
	}
}

func TestGenerateVideoFailedJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/videos", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"vid_2","status":"failed","error":{"code":"moderation_blocked","message":"blocked"}}`)
	})
	c := newTestClient(t, mux)

	_, err := c.GenerateVideo(context.Background(), "prompt", VideoGenerationOptions{})
	var jerr *VideoJobError
	if !errors.As(err, &jerr) || jerr.Code != "moderation_blocked" {
		t.Fatalf("GenerateVideo: got %v, want VideoJobError", err)
	}
}

func TestGenerateVideoHonorsContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/videos", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"vid_3","status":"queued"}`)
	})
	mux.HandleFunc("/v1/videos/vid_3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"vid_3","status":"in_progress"}`)
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GenerateVideo(ctx, "prompt", VideoGenerationOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GenerateVideo: got %v, want deadline exceeded", err)
	}
}

func TestNormalizeVideoDuration(t *testing.T) {
	for in, want := range map[int]int{0: 8, 3: 4, 7: 8, 11: 12, 40: 12} {
		if got := normalizeVideoDurationSeconds(in); got != want {
			t.Fatalf("normalize(%d): got %d want %d", in, got, want)
		}
	}
}
