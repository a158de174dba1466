package storage

import (
	"testing"

	"github.com/timmy/imagenary/internal/config"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		endpoint string
		want     Provider
	}{
		{"https://abc.r2.cloudflarestorage.com", ProviderR2},
		{"s3.us-east-1.amazonaws.com", ProviderS3},
		{"https://xyz.supabase.co/storage/v1/s3", ProviderSupabase},
		{"localhost:9000", ProviderS3Compatible},
		{"https://amazonaws.com.evil.example", ProviderS3Compatible},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := detectProvider(tt.endpoint); got != tt.want {
				t.Errorf("detectProvider(%q) = %q, want %q", tt.endpoint, got, tt.want)
			}
		})
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
		want string
	}{
		{"strips path", S3Config{Endpoint: "http://localhost:9000/path"}, "http://localhost:9000"},
		{"ssl", S3Config{Endpoint: "https://minio.local:9000/", UseSSL: true}, "https://minio.local:9000"},
		{"supabase keeps path", S3Config{Provider: ProviderSupabase, Endpoint: "https://x.supabase.co/storage/v1/s3/"}, "https://x.supabase.co/storage/v1/s3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := endpointURL(&tt.cfg); got != tt.want {
				t.Errorf("endpointURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestObjectURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StorageConfig
		key  string
		want string
	}{
		{
			name: "path style on endpoint",
			cfg:  config.StorageConfig{Endpoint: "localhost:9000", Bucket: "generated-images"},
			key:  "generated/abc.webp",
			want: "http://localhost:9000/generated-images/generated/abc.webp",
		},
		{
			name: "public url prefix",
			cfg:  config.StorageConfig{Endpoint: "localhost:9000", Bucket: "generated-images", PublicURL: "https://cdn.example.com/"},
			key:  "a.webp",
			want: "https://cdn.example.com/a.webp",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(&tt.cfg)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := s.url(tt.key); got != tt.want {
				t.Errorf("url() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(&config.StorageConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("New() without bucket succeeded")
	}
}

func TestProviderDefaults(t *testing.T) {
	if ProviderR2.defaultRegion() != "auto" || ProviderS3.defaultRegion() != "us-east-1" {
		t.Error("unexpected default regions")
	}
	if ProviderR2.managesBuckets() || ProviderSupabase.managesBuckets() || !ProviderS3Compatible.managesBuckets() {
		t.Error("unexpected bucket management flags")
	}
}
