package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/httpx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/promptstyle"
)

type VideoGenerationOptions struct {
	DurationSeconds int
	Size            string
}

type VideoGeneration struct {
	ID       string
	Bytes    []byte
	MimeType string
}

type Speech struct {
	Bytes    []byte
	MimeType string
}

// Client is the OpenAI API surface the pipeline uses. Calls are made once;
// retries and circuit breaking belong to the caller.
type Client interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)

	// Structured outputs (json_schema).
	GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, error)

	GenerateText(ctx context.Context, system string, user string) (string, error)

	// Speech renders narration audio (mp3 by default).
	Speech(ctx context.Context, text string) (Speech, error)

	// GenerateVideo creates a render job and polls it until it finishes, fails
	// or ctx expires, then downloads the result.
	GenerateVideo(ctx context.Context, prompt string, opts VideoGenerationOptions) (VideoGeneration, error)
}

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	EmbedModel  string
	SpeechModel string
	SpeechVoice string
	VideoModel  string
	VideoSize   string
	Timeout     time.Duration
	// VideoTimeout bounds the HTTP client used for video downloads.
	VideoTimeout time.Duration
	PollInterval time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:      envutil.String("OPENAI_BASE_URL", "https://api.openai.com"),
		APIKey:       envutil.String("OPENAI_API_KEY", ""),
		Model:        envutil.String("OPENAI_MODEL", "gpt-4.1-mini"),
		EmbedModel:   envutil.String("OPENAI_EMBED_MODEL", "text-embedding-3-small"),
		SpeechModel:  envutil.String("OPENAI_SPEECH_MODEL", "gpt-4o-mini-tts"),
		SpeechVoice:  envutil.String("OPENAI_SPEECH_VOICE", "alloy"),
		VideoModel:   envutil.String("OPENAI_VIDEO_MODEL", "sora-2"),
		VideoSize:    envutil.String("OPENAI_VIDEO_SIZE", "1280x720"),
		Timeout:      envutil.Duration("OPENAI_TIMEOUT", 3*time.Minute),
		VideoTimeout: envutil.Duration("OPENAI_VIDEO_TIMEOUT", 10*time.Minute),
		PollInterval: envutil.Duration("OPENAI_VIDEO_POLL_INTERVAL", 5*time.Second),
	}
}

type client struct {
	log          *logger.Logger
	cfg          Config
	baseURL      string
	httpClient   *http.Client
	videoClient  *http.Client
	pollInterval time.Duration
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = 10 * time.Minute
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &client{
		log:          log.With("service", "OpenAIClient"),
		cfg:          cfg,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		videoClient:  &http.Client{Timeout: cfg.VideoTimeout},
		pollInterval: poll,
	}, nil
}

// send performs one request and returns the raw body of a 2xx response.
// Non-2xx responses become *httpx.StatusError.
func (c *client) send(ctx context.Context, httpClient *http.Client, op string, req *http.Request) ([]byte, http.Header, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("openai %s: %w", op, err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, nil, fmt.Errorf("openai %s: read body: %w", op, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, httpx.NewStatusError("openai "+op, resp, raw)
	}
	return raw, resp.Header, nil
}

func (c *client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	raw, _, err := c.send(ctx, c.httpClient, path, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai decode error: %w; raw=%s", err, truncate(string(raw), 512))
	}
	return nil
}

func (c *client) doMultipart(ctx context.Context, path string, fields map[string]string, out any) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if err := writer.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	raw, _, err := c.send(ctx, c.httpClient, path, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// -------------------- Embeddings --------------------

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	clean := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	var resp embeddingsResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/embeddings", embeddingsRequest{Model: c.cfg.EmbedModel, Input: clean}, &resp); err != nil {
		return nil, err
	}

	out := make([][]float32, len(clean))
	for pos, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = pos
		}
		if idx < len(out) {
			out[idx] = vec
		}
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("openai embeddings missing index %d: requested=%d returned=%d model=%s", i, len(clean), len(resp.Data), c.cfg.EmbedModel)
		}
	}
	return out, nil
}

// -------------------- Responses API --------------------

type responsesInput struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responsesRequest struct {
	Model string           `json:"model"`
	Input []responsesInput `json:"input"`
	Text  *struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type    string `json:"type"`
			Text    string `json:"text,omitempty"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
}

// RefusalError is a model refusal; retrying the same prompt will not help.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string { return "model refused: " + e.Reason }

func extractOutput(resp responsesResponse) (text string, refusal string) {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		for _, part := range item.Content {
			switch part.Type {
			case "output_text":
				out.WriteString(part.Text)
			case "refusal":
				refusal = part.Refusal
			}
		}
	}
	return out.String(), refusal
}

func (c *client) respond(ctx context.Context, req responsesRequest) (string, error) {
	var resp responsesResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/responses", req, &resp); err != nil {
		return "", err
	}
	text, refusal := extractOutput(resp)
	if refusal != "" {
		return "", &RefusalError{Reason: refusal}
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no output_text found in response")
	}
	return text, nil
}

func (c *client) GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" {
		return nil, errors.New("schemaName required")
	}
	if schema == nil {
		return nil, errors.New("schema required")
	}
	system = promptstyle.ApplySystem(system, "json")
	req := responsesRequest{
		Model: c.cfg.Model,
		Input: []responsesInput{{Role: "system", Content: system}, {Role: "user", Content: user}},
	}
	req.Text = &struct {
		Format map[string]any `json:"format,omitempty"`
	}{Format: map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}}

	text, err := c.respond(ctx, req)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("failed to parse model JSON: %w; text=%s", err, truncate(text, 512))
	}
	return obj, nil
}

func (c *client) GenerateText(ctx context.Context, system string, user string) (string, error) {
	system = promptstyle.ApplySystem(system, "narration")
	return c.respond(ctx, responsesRequest{
		Model: c.cfg.Model,
		Input: []responsesInput{{Role: "system", Content: system}, {Role: "user", Content: user}},
	})
}

// -------------------- Audio --------------------

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

func (c *client) Speech(ctx context.Context, text string) (Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Speech{}, errors.New("speech input required")
	}
	body, err := json.Marshal(speechRequest{
		Model:          c.cfg.SpeechModel,
		Input:          text,
		Voice:          c.cfg.SpeechVoice,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return Speech{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return Speech{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	raw, hdr, err := c.send(ctx, c.httpClient, "/v1/audio/speech", req)
	if err != nil {
		return Speech{}, err
	}
	if len(raw) == 0 {
		return Speech{}, errors.New("openai speech: empty audio")
	}
	mime := strings.TrimSpace(strings.Split(hdr.Get("Content-Type"), ";")[0])
	if mime == "" || mime == "application/octet-stream" {
		mime = "audio/mpeg"
	}
	return Speech{Bytes: raw, MimeType: mime}, nil
}

// -------------------- Videos API --------------------

type videoJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// VideoJobError is a render job that reached a failed terminal status.
type VideoJobError struct {
	JobID   string
	Code    string
	Message string
}

func (e *VideoJobError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("video job %s failed (%s): %s", e.JobID, e.Code, e.Message)
	}
	return fmt.Sprintf("video job %s failed: %s", e.JobID, e.Message)
}

func normalizeVideoDurationSeconds(dur int) int {
	if dur <= 0 {
		return 8
	}
	allowed := []int{4, 8, 12}
	best := allowed[0]
	for _, v := range allowed[1:] {
		if absInt(dur-v) < absInt(dur-best) {
			best = v
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (c *client) GenerateVideo(ctx context.Context, prompt string, opts VideoGenerationOptions) (VideoGeneration, error) {
	var out VideoGeneration
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return out, errors.New("video prompt required")
	}
	if strings.TrimSpace(c.cfg.VideoModel) == "" {
		return out, errors.New("missing OPENAI_VIDEO_MODEL")
	}
	size := strings.TrimSpace(opts.Size)
	if size == "" {
		size = c.cfg.VideoSize
	}

	var job videoJobResponse
	err := c.doMultipart(ctx, "/v1/videos", map[string]string{
		"prompt":  prompt,
		"model":   c.cfg.VideoModel,
		"size":    size,
		"seconds": strconv.Itoa(normalizeVideoDurationSeconds(opts.DurationSeconds)),
	}, &job)
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(job.ID) == "" {
		return out, errors.New("video create missing id")
	}
	log := c.log.With("video_job_id", job.ID)
	log.Debug("Video job created", "status", job.Status)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		switch strings.ToLower(strings.TrimSpace(job.Status)) {
		case "completed", "succeeded":
			b, ct, err := c.download(ctx, c.baseURL+"/v1/videos/"+job.ID+"/content")
			if err != nil {
				return out, err
			}
			out.ID = job.ID
			out.Bytes = b
			out.MimeType = strings.TrimSpace(strings.Split(ct, ";")[0])
			if out.MimeType == "" || out.MimeType == "application/octet-stream" {
				out.MimeType = sniffVideoMime(b)
			}
			return out, nil
		case "failed", "canceled", "cancelled":
			jerr := &VideoJobError{JobID: job.ID, Message: "video generation failed"}
			if job.Error != nil {
				jerr.Code = job.Error.Code
				if strings.TrimSpace(job.Error.Message) != "" {
					jerr.Message = job.Error.Message
				}
			}
			return out, jerr
		}

		select {
		case <-ctx.Done():
			return out, fmt.Errorf("video job %s: %w", job.ID, ctx.Err())
		case <-ticker.C:
		}
		id := job.ID
		job = videoJobResponse{}
		if err := c.doJSON(ctx, http.MethodGet, "/v1/videos/"+id, nil, &job); err != nil {
			return out, err
		}
		if job.ID == "" {
			job.ID = id
		}
	}
}

func (c *client) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	// Signed blob URLs break when sent an unrelated Authorization header.
	if shouldAttachAuth(c.baseURL, rawURL) {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	raw, hdr, err := c.send(ctx, c.videoClient, "download", req)
	if err != nil {
		return nil, "", err
	}
	return raw, strings.TrimSpace(hdr.Get("Content-Type")), nil
}

func shouldAttachAuth(baseURL, rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if bu, err := url.Parse(strings.TrimSpace(baseURL)); err == nil && bu != nil {
		if baseHost := strings.ToLower(bu.Hostname()); baseHost != "" && host == baseHost {
			return true
		}
	}
	return host == "openai.com" || strings.HasSuffix(host, ".openai.com")
}

func sniffVideoMime(b []byte) string {
	if len(b) >= 12 && bytes.Contains(b[:12], []byte("ftyp")) {
		return "video/mp4"
	}
	if len(b) >= 4 && b[0] == 0x1A && b[1] == 0x45 && b[2] == 0xDF && b[3] == 0xA3 {
		return "video/webm"
	}
	return "video/mp4"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
