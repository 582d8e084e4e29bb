// Package binstore pkg/binstore/interfaces.go defines the Binary Store
// collaborator interface.
package binstore

import (
	"context"
)

//go:generate mockgen -destination=mock_binstore.go -package=binstore github.com/mfreeman451/fleetota/pkg/binstore Store

// StoredBinary describes a persisted firmware binary.
type StoredBinary struct {
	DownloadURL string `json:"download_url"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
	BLAKE3      string `json:"blake3"`

	// Pending is true when the binary landed in the local fallback and
	// still needs to reach the remote store.
	Pending bool `json:"pending"`
}

// Store persists firmware binaries and serves them back for the
// verification gate.
type Store interface {
	Upload(ctx context.Context, firmwareID string, data []byte, metadata map[string]string) (*StoredBinary, error)
	Fetch(ctx context.Context, firmwareID string) ([]byte, error)
	Delete(ctx context.Context, firmwareID string) error
}
