package domain

// GenerationParams are the fixed provider parameters applied to every
// generation call.
type GenerationParams struct {
	Model          string
	Width          int
	Height         int
	Steps          int
	Format         string
	NegativePrompt string
	Seed           int64
}

// Artifact is what a generator hands back: a locator for the image plus the
// provider's own identifier for it.
type Artifact struct {
	URL        string
	ProviderID string
	// SourceURL is the provider URL when URL points at a mirrored copy.
	SourceURL string
	Width     int
	Height    int
	Format    string
}

// CacheResult is the outcome of a generate request.
type CacheResult struct {
	ImageURL   string
	Cached     bool
	Similarity *float64
	RecordID   string
	// StoreErr reports a persistence failure on the miss path. The artifact
	// is still valid and returned when it is set.
	StoreErr error
}
