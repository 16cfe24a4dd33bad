package artifacts

import "time"

type ArtifactKind string

const (
	ISOArtifact   ArtifactKind = "iso"   // Bootable optical image
	USBArtifact   ArtifactKind = "usb"   // Media written to a removable drive
	ImageArtifact ArtifactKind = "image" // Serviced working image
	LogArtifact   ArtifactKind = "log"   // Build log
)

type Artifact struct {
	ID   string       `json:"id"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"uri"`

	Size        int64          `json:"size"`
	Checksum    *string        `json:"checksum,omitempty"`
	ContentType string         `json:"content_type"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
