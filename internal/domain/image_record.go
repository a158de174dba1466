package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/pgvector/pgvector-go"
)

// ImageMetadata describes a generated artifact. It is stored as JSON and is
// never used for matching.
type ImageMetadata struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Steps  int    `json:"steps,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the metadata.
//   - error: non-nil if marshaling fails.
func (m ImageMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (m *ImageMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = ImageMetadata{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan ImageMetadata")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// ImageRecord is one generated image together with the prompt and embedding
// that produced it. Records are append-only: once inserted no field changes.
type ImageRecord struct {
	ID          string          `gorm:"type:text;primaryKey" json:"id"`
	Prompt      string          `gorm:"type:text;not null" json:"prompt"`
	Fingerprint string          `gorm:"type:text;index:idx_generated_images_fingerprint" json:"fingerprint"`
	Embedding   pgvector.Vector `gorm:"type:vector;not null" json:"-"`
	ImageURL    string          `gorm:"type:text;not null" json:"image_url"`
	ProviderID  string          `gorm:"type:text;index:idx_generated_images_provider" json:"provider_id"`
	Metadata    ImageMetadata   `gorm:"type:text" json:"metadata"`
	CreatedAt   time.Time       `gorm:"index:idx_generated_images_created" json:"created_at"`
}

// TableName returns the database table name for ImageRecord.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (ImageRecord) TableName() string {
	return "generated_images"
}

// Vector returns the embedding as a plain float32 slice.
func (r *ImageRecord) Vector() []float32 {
	return r.Embedding.Slice()
}

// Match is the answer of a similarity lookup: the best stored entry and its
// cosine similarity to the query.
type Match struct {
	RecordID string
	Score    float64
}
