package gcp

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseRef(t *testing.T) {
	bucket, key, err := ParseRef("gs://media/videos/abc/final.mp4")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	if bucket != "media" || key != "videos/abc/final.mp4" {
		t.Fatalf("ParseRef: got bucket=%q key=%q", bucket, key)
	}
	for _, bad := range []string{"", "media/x.mp4", "gs://media", "gs:///x.mp4", "gs://media/"} {
		if _, _, err := ParseRef(bad); err == nil {
			t.Fatalf("ParseRef(%q): expected error", bad)
		}
	}
}

func TestPublicURLPriority(t *testing.T) {
	ref := "gs://media/videos/a b.mp4"
	cases := []struct {
		name  string
		store *gcsStore
		want  string
	}{
		{
			name:  "cdn",
			store: &gcsStore{bucket: "media", cdnDomain: "cdn.example.com", mode: ObjectStorageModeGCS},
			want:  "https://cdn.example.com/videos/a b.mp4",
		},
		{
			name:  "emulator",
			store: &gcsStore{bucket: "media", mode: ObjectStorageModeGCSEmulator, emulatorHost: "http://fake-gcs:4443"},
			want:  "http://fake-gcs:4443/storage/v1/b/media/o/videos%2Fa%20b.mp4?alt=media",
		},
		{
			name:  "public base",
			store: &gcsStore{bucket: "media", mode: ObjectStorageModeGCS, publicBaseURL: "https://files.example.com"},
			want:  "https://files.example.com/media/videos/a b.mp4",
		},
		{
			name:  "default",
			store: &gcsStore{bucket: "media", mode: ObjectStorageModeGCS},
			want:  "https://storage.googleapis.com/media/videos/a b.mp4",
		},
	}
	for _, tc := range cases {
		if got := tc.store.PublicURL(ref); got != tc.want {
			t.Fatalf("%s: want=%q got=%q", tc.name, tc.want, got)
		}
	}
	if got := (&gcsStore{}).PublicURL("not-a-ref"); got != "not-a-ref" {
		t.Fatalf("unparseable ref should pass through, got %q", got)
	}
}

func TestContentTypeForKey(t *testing.T) {
	cases := map[string]string{
		"a/b/final.MP4":  "video/mp4",
		"narration.mp3":  "audio/mpeg",
		"narration.wav":  "audio/wav",
		"script.txt?x=1": "text/plain; charset=utf-8",
		"blob":           "",
	}
	for key, want := range cases {
		if got := contentTypeForKey(key); got != want {
			t.Fatalf("contentTypeForKey(%q): want=%q got=%q", key, want, got)
		}
	}
}

func TestLocalArtifactStoreLifecycle(t *testing.T) {
	dir := t.TempDir()
	store, err := NewArtifactStore(context.Background(), nil, ArtifactStoreConfig{
		Storage:       ObjectStorageConfig{Mode: ObjectStorageModeLocal, LocalDir: dir},
		PublicBaseURL: "http://localhost:8080/media",
	})
	if err != nil {
		t.Fatalf("NewArtifactStore: %v", err)
	}
	ctx := context.Background()

	ref, err := store.Upload(ctx, "audio/req-1/narration.mp3", strings.NewReader("id3"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Fatalf("ref: got %q", ref)
	}
	if _, err := os.Stat(filepath.Join(dir, "audio", "req-1", "narration.mp3")); err != nil {
		t.Fatalf("artifact not on disk: %v", err)
	}

	rc, err := store.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "id3" {
		t.Fatalf("body: got %q", body)
	}

	if got := store.PublicURL(ref); got != "http://localhost:8080/media/audio/req-1/narration.mp3" {
		t.Fatalf("PublicURL: got %q", got)
	}

	if _, err := store.Open(ctx, strings.TrimSuffix(ref, ".mp3")+".wav"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Open missing: want ErrObjectNotFound, got %v", err)
	}
}

func TestLocalArtifactStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewArtifactStore(context.Background(), nil, ArtifactStoreConfig{
		Storage: ObjectStorageConfig{Mode: ObjectStorageModeLocal, LocalDir: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("NewArtifactStore: %v", err)
	}
	if _, err := store.Upload(context.Background(), "../../etc/passwd", strings.NewReader("x")); err == nil {
		t.Fatalf("Upload: expected error for escaping key")
	}
	if _, err := store.Open(context.Background(), "file:///etc/passwd"); err == nil {
		t.Fatalf("Open: expected error for ref outside the store")
	}
}

func TestNewArtifactStoreRequiresBucket(t *testing.T) {
	_, err := NewArtifactStore(context.Background(), nil, ArtifactStoreConfig{
		Storage: ObjectStorageConfig{Mode: ObjectStorageModeGCS},
	})
	if err == nil || !strings.Contains(err.Error(), "GCS_ARTIFACT_BUCKET") {
		t.Fatalf("NewArtifactStore: want missing bucket error, got %v", err)
	}
}
