package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/storage"
)

type memStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	uploadErr error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *memStorage) Put(_ context.Context, obj storage.Object) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[obj.Key]; !ok {
		s.objects[obj.Key] = obj.Data
		s.types[obj.Key] = obj.ContentType
	}
	return "https://bucket.example.com/" + obj.Key, nil
}

func (s *memStorage) Ping(context.Context) error { return nil }

type urlGenerator struct{ art domain.Artifact }

func (g *urlGenerator) Generate(context.Context, string, domain.GenerationParams) (*domain.Artifact, error) {
	a := g.art
	return &a, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestMirroringGenerator_Generate(t *testing.T) {
	data := pngBytes(t, 3, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	tests := []struct {
		name       string
		artifact   domain.Artifact
		uploadErr  error
		wantURL    string
		wantStored string
	}{
		{
			name:       "mirrors under provider id",
			artifact:   domain.Artifact{URL: srv.URL + "/a.png", ProviderID: "gen/1", Format: "webp"},
			wantURL:    "https://bucket.example.com/images/gen_1.png",
			wantStored: "images/gen_1.png",
		},
		{
			name:     "download failure keeps provider url",
			artifact: domain.Artifact{URL: srv.URL + "/missing.png", ProviderID: "gen-2"},
			wantURL:  srv.URL + "/missing.png",
		},
		{
			name:      "upload failure keeps provider url",
			artifact:  domain.Artifact{URL: srv.URL + "/a.png", ProviderID: "gen-3"},
			uploadErr: errBoom,
			wantURL:   srv.URL + "/a.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStorage()
			store.uploadErr = tt.uploadErr
			gen := NewMirroringGenerator(&urlGenerator{art: tt.artifact}, store, &MirrorConfig{Prefix: "images"})

			art, err := gen.Generate(context.Background(), "p", domain.GenerationParams{})
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if art.URL != tt.wantURL {
				t.Errorf("URL = %s, want %s", art.URL, tt.wantURL)
			}
			if tt.wantStored == "" {
				return
			}
			if !bytes.Equal(store.objects[tt.wantStored], data) {
				t.Errorf("stored object %s missing or different", tt.wantStored)
			}
			if store.types[tt.wantStored] != "image/png" {
				t.Errorf("content type = %s", store.types[tt.wantStored])
			}
			if art.Width != 3 || art.Height != 2 || art.Format != "png" || art.SourceURL != tt.artifact.URL {
				t.Errorf("artifact = %+v", art)
			}
		})
	}
}

func TestObjectKey(t *testing.T) {
	data := []byte("payload")
	if got := objectKey("p", "abc", data, "webp"); got != "p/abc.webp" {
		t.Errorf("objectKey = %s", got)
	}
	a := objectKey("p", "", data, "png")
	b := objectKey("p", "", data, "png")
	if a != b || len(a) != len("p/")+32+len(".png") {
		t.Errorf("content-hash keys = %s, %s", a, b)
	}
	if got := objectKey("", "../x", data, "png"); got != "__x.png" {
		t.Errorf("sanitized key = %s", got)
	}
}
