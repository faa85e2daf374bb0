package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

var ErrObjectNotFound = errors.New("artifact not found")

// ArtifactStore holds rendered media. Upload returns a ref the pipeline
// persists on the request; Open and PublicURL accept that ref back.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, r io.Reader) (ref string, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	PublicURL(ref string) string
}

type ArtifactStoreConfig struct {
	Storage       ObjectStorageConfig
	Bucket        string
	CDNDomain     string
	PublicBaseURL string
	UploadTimeout time.Duration
}

func ArtifactStoreConfigFromEnv() (ArtifactStoreConfig, error) {
	storageCfg, err := ResolveObjectStorageConfigFromEnv()
	if err != nil {
		return ArtifactStoreConfig{}, fmt.Errorf("resolve object storage config: %w", err)
	}
	return ArtifactStoreConfig{
		Storage:       storageCfg,
		Bucket:        envutil.String("GCS_ARTIFACT_BUCKET", ""),
		CDNDomain:     envutil.String("ARTIFACT_CDN_DOMAIN", ""),
		PublicBaseURL: envutil.String("OBJECT_STORAGE_PUBLIC_BASE_URL", ""),
		UploadTimeout: envutil.Duration("ARTIFACT_UPLOAD_TIMEOUT", 2*time.Minute),
	}, nil
}

func NewArtifactStore(ctx context.Context, log *logger.Logger, cfg ArtifactStoreConfig) (ArtifactStore, error) {
	if err := ValidateObjectStorageConfig(cfg.Storage); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 2 * time.Minute
	}
	serviceLog := log.With("service", "ArtifactStore")

	if cfg.Storage.Mode == ObjectStorageModeLocal {
		dir, err := filepath.Abs(cfg.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("resolve local artifact dir: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create local artifact dir: %w", err)
		}
		serviceLog.Info("Object storage initialized", "mode", cfg.Storage.Mode, "dir", dir)
		return &localStore{dir: dir, publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/")}, nil
	}

	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("missing env var GCS_ARTIFACT_BUCKET")
	}
	publicBaseURL, publicBaseSource, err := resolvePublicBaseURL(cfg.PublicBaseURL, cfg.Storage)
	if err != nil {
		return nil, err
	}
	client, err := newStorageClientForMode(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	serviceLog.Info(
		"Object storage initialized",
		"mode", cfg.Storage.Mode,
		"mode_source", cfg.Storage.ModeSource(),
		"emulator_host", cfg.Storage.EmulatorHost,
		"public_base_source", publicBaseSource,
		"public_base_url", publicBaseURL,
		"bucket", cfg.Bucket,
	)
	return &gcsStore{
		log:           serviceLog,
		client:        client,
		mode:          cfg.Storage.Mode,
		emulatorHost:  strings.TrimRight(strings.TrimSpace(cfg.Storage.EmulatorHost), "/"),
		bucket:        cfg.Bucket,
		cdnDomain:     cfg.CDNDomain,
		publicBaseURL: publicBaseURL,
		uploadTimeout: cfg.UploadTimeout,
		httpClient:    &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func newStorageClientForMode(ctx context.Context, storageCfg ObjectStorageConfig) (*storage.Client, error) {
	switch storageCfg.Mode {
	case ObjectStorageModeGCS:
		opts := ClientOptionsFromEnv()
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
		return storage.NewClient(ctx, opts...)
	case ObjectStorageModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, &ObjectStorageConfigError{Code: ObjectStorageConfigErrorInvalidMode, Mode: string(storageCfg.Mode)}
	}
}

func resolvePublicBaseURL(raw string, storageCfg ObjectStorageConfig) (baseURL string, source string, err error) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		parsed, parseErr := url.Parse(raw)
		if parseErr != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
			return "", "", fmt.Errorf("invalid OBJECT_STORAGE_PUBLIC_BASE_URL=%q; expected absolute URL like http://localhost:4443", raw)
		}
		return strings.TrimRight(raw, "/"), "object_storage_public_base_url", nil
	}
	if storageCfg.IsEmulatorMode() {
		return strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/"), "storage_emulator_host", nil
	}
	return "", "gcs_default", nil
}

// ParseRef splits gs://bucket/key.
func ParseRef(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(ref), "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// ref: %q", ref)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed gs:// ref: %q", ref)
	}
	return bucket, key, nil
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	switch {
	case strings.HasSuffix(s, ".mp4"), strings.HasSuffix(s, ".m4v"):
		return "video/mp4"
	case strings.HasSuffix(s, ".webm"):
		return "video/webm"
	case strings.HasSuffix(s, ".mov"):
		return "video/quicktime"
	case strings.HasSuffix(s, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(s, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(s, ".ogg"), strings.HasSuffix(s, ".opus"):
		return "audio/ogg"
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}

type gcsStore struct {
	log           *logger.Logger
	client        *storage.Client
	mode          ObjectStorageMode
	emulatorHost  string
	bucket        string
	cdnDomain     string
	publicBaseURL string
	uploadTimeout time.Duration
	httpClient    *http.Client
}

func (s *gcsStore) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("artifact key required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if ct := contentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return "gs://" + s.bucket + "/" + key, nil
}

func (s *gcsStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	// The reader outlives this call, so cancel is tied to Close.
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if s.mode == ObjectStorageModeGCSEmulator && s.emulatorHost != "" {
		rc, err := s.openEmulator(ctx2, bucket, key)
		if err != nil {
			cancel()
			return nil, err
		}
		return &readCloserWithCancel{ReadCloser: rc, cancel: cancel}, nil
	}
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, ref)
		}
		return nil, fmt.Errorf("failed to open GCS reader: %w", err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

// openEmulator reads through the JSON media endpoint; the emulator's XML
// reader path is unreliable for fresh objects.
func (s *gcsStore) openEmulator(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, emulatorMediaURL(s.emulatorHost, bucket, key), nil)
	if err != nil {
		return nil, fmt.Errorf("failed creating emulator download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed emulator download request: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, bucket, key)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("emulator download failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}

func (s *gcsStore) Close() error { return s.client.Close() }

func (s *gcsStore) PublicURL(ref string) string {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return ref
	}
	if s.cdnDomain != "" && bucket == s.bucket {
		return fmt.Sprintf("https://%s/%s", s.cdnDomain, key)
	}
	if s.mode == ObjectStorageModeGCSEmulator {
		base := s.publicBaseURL
		if base == "" {
			base = s.emulatorHost
		}
		if base != "" {
			return emulatorMediaURL(base, bucket, key)
		}
	}
	if s.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, bucket, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, key)
}

func emulatorMediaURL(base, bucket, key string) string {
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media",
		strings.TrimRight(strings.TrimSpace(base), "/"), url.PathEscape(bucket), url.PathEscape(key))
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

// localStore writes under a directory. Refs are file:// URLs.
type localStore struct {
	dir           string
	publicBaseURL string
}

func (s *localStore) path(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("artifact key required")
	}
	p := filepath.Join(s.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(p, s.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact key escapes store: %q", key)
	}
	return p, nil
}

func (s *localStore) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return "file://" + filepath.ToSlash(p), nil
}

func (s *localStore) resolve(ref string) (string, error) {
	p, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return "", fmt.Errorf("not a file:// ref: %q", ref)
	}
	rel, err := filepath.Rel(s.dir, filepath.FromSlash(p))
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("ref outside artifact store: %q", ref)
	}
	return s.path(filepath.ToSlash(rel))
}

func (s *localStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	p, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *localStore) PublicURL(ref string) string {
	if s.publicBaseURL == "" {
		return ref
	}
	p, err := s.resolve(ref)
	if err != nil {
		return ref
	}
	rel, _ := filepath.Rel(s.dir, p)
	return s.publicBaseURL + "/" + filepath.ToSlash(rel)
}
