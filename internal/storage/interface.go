package storage

import "context"

// Object is one mirrored artifact.
type Object struct {
	Key         string
	Data        []byte
	ContentType string
	// SourceURL is recorded as object metadata.
	SourceURL string
}

// ArtifactStore holds mirrored artifacts. Objects are write-once: putting a
// key that already exists leaves the stored object untouched.
type ArtifactStore interface {
	// Put stores obj unless its key exists and returns the object's public URL.
	Put(ctx context.Context, obj Object) (string, error)
	// Ping checks that the bucket is reachable.
	Ping(ctx context.Context) error
}
