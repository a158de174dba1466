package storage

import (
	"strings"

	"github.com/timmy/imagenary/internal/config"
)

// New builds the artifact store described by cfg. An empty type is inferred
// from the endpoint host.
func New(cfg *config.StorageConfig) (*S3Store, error) {
	provider := Provider(strings.ToLower(cfg.Type))
	if provider == "" {
		provider = detectProvider(cfg.Endpoint)
	}
	return NewS3Store(&S3Config{
		Provider:  provider,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	})
}

func detectProvider(endpoint string) Provider {
	host := strings.ToLower(endpointHost(endpoint))
	switch {
	case strings.HasSuffix(host, ".r2.cloudflarestorage.com"):
		return ProviderR2
	case strings.HasSuffix(host, ".amazonaws.com"):
		return ProviderS3
	case strings.HasSuffix(host, ".supabase.co"):
		return ProviderSupabase
	default:
		return ProviderS3Compatible
	}
}
