package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/logger"
	"github.com/timmy/imagenary/internal/storage"
	_ "golang.org/x/image/webp"
)

// MirroringGenerator re-hosts generated artifacts on object storage, so cached
// URLs outlive the provider's temporary links. Mirroring is best effort: on
// any failure the provider artifact is returned unchanged.
type MirroringGenerator struct {
	next   ImageGenerator
	store  storage.ArtifactStore
	client *resty.Client
	prefix string
}

// MirrorConfig holds configuration for artifact mirroring.
type MirrorConfig struct {
	Prefix          string
	DownloadTimeout time.Duration
}

// NewMirroringGenerator wraps next so its artifacts are copied to store.
func NewMirroringGenerator(next ImageGenerator, store storage.ArtifactStore, cfg *MirrorConfig) *MirroringGenerator {
	client := resty.New()
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client.SetTimeout(timeout)

	return &MirroringGenerator{
		next:   next,
		store:  store,
		client: client,
		prefix: cfg.Prefix,
	}
}

// Generate runs the wrapped generator, then mirrors its artifact.
func (g *MirroringGenerator) Generate(ctx context.Context, prompt string, params domain.GenerationParams) (*domain.Artifact, error) {
	artifact, err := g.next.Generate(ctx, prompt, params)
	if err != nil {
		return nil, err
	}

	mirrored, err := g.mirror(ctx, artifact)
	if err != nil {
		logger.FromContext(ctx).WithError(err).WithField("source_url", artifact.URL).
			Warn("Artifact mirroring failed, keeping provider URL")
		return artifact, nil
	}
	return mirrored, nil
}

func (g *MirroringGenerator) mirror(ctx context.Context, artifact *domain.Artifact) (*domain.Artifact, error) {
	start := time.Now()

	resp, err := g.client.R().SetContext(ctx).Get(artifact.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("failed to download artifact: HTTP %d", resp.StatusCode())
	}
	data := resp.Body()
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded artifact is empty")
	}

	width, height, format, err := getImageInfo(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}

	url, err := g.store.Put(ctx, storage.Object{
		Key:         objectKey(g.prefix, artifact.ProviderID, data, format),
		Data:        data,
		ContentType: getContentType(format),
		SourceURL:   artifact.URL,
	})
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{
		logger.FieldSize:       len(data),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Artifact mirrored to %s", url)

	return &domain.Artifact{
		URL:        url,
		ProviderID: artifact.ProviderID,
		SourceURL:  artifact.URL,
		Width:      width,
		Height:     height,
		Format:     format,
	}, nil
}

// objectKey names mirrored objects by provider ID, falling back to content
// hash when the provider gave none.
func objectKey(prefix, providerID string, data []byte, format string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(providerID)
	if name == "" {
		sum := sha256.Sum256(data)
		name = hex.EncodeToString(sum[:16])
	}
	return path.Join(prefix, name+"."+format)
}

func getImageInfo(data []byte) (int, int, string, error) {
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, "", err
	}
	return config.Width, config.Height, format, nil
}

func getContentType(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
