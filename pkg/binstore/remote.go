// Package binstore pkg/binstore/remote.go implements the remote Binary
// Store client. When the remote store is unreachable the upload falls
// back to the local store and the result is flagged pending so a later
// retry can push it upstream.
package binstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const defaultRemoteTimeout = 30 * time.Second

var errRemoteStatus = fmt.Errorf("binary store returned non-200 status")

// RemoteStore talks to the Binary Store service over HTTP, with a
// LocalStore fallback.
type RemoteStore struct {
	baseURL  string
	client   *http.Client
	fallback *LocalStore
}

// NewRemoteStore creates a remote store client. fallback is required; it
// also serves Fetch for binaries that never left the local disk.
func NewRemoteStore(baseURL string, fallback *LocalStore) *RemoteStore {
	return &RemoteStore{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultRemoteTimeout,
		},
		fallback: fallback,
	}
}

type uploadResponse struct {
	DownloadURL string `json:"download_url"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
}

// Upload pushes the binary to the remote store. On any transport or
// status failure it degrades to the local store and flags the result
// pending rather than failing the registration.
func (s *RemoteStore) Upload(
	ctx context.Context, firmwareID string, data []byte, metadata map[string]string) (*StoredBinary, error) {
	if len(data) == 0 {
		return nil, errEmptyBinary
	}

	stored, err := s.tryRemoteUpload(ctx, firmwareID, data)
	if err == nil {
		// Keep a local copy regardless so the verification gate never
		// depends on remote availability.
		if _, lerr := s.fallback.Upload(ctx, firmwareID, data, metadata); lerr != nil {
			log.Printf("Warning: failed to cache binary %s locally: %v", firmwareID, lerr)
		}

		return stored, nil
	}

	log.Printf("Warning: binary store unavailable for %s, using local fallback: %v", firmwareID, err)

	local, lerr := s.fallback.Upload(ctx, firmwareID, data, metadata)
	if lerr != nil {
		return nil, fmt.Errorf("binary store unavailable and local fallback failed: %w", lerr)
	}

	local.Pending = true

	return local, nil
}

func (s *RemoteStore) tryRemoteUpload(ctx context.Context, firmwareID string, data []byte) (*StoredBinary, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.baseURL+"/upload/"+firmwareID, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req) //nolint:bodyclose // Response body is closed later
	if err != nil {
		return nil, fmt.Errorf("failed to upload binary: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d", errRemoteStatus, resp.StatusCode)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}

	return &StoredBinary{
		DownloadURL: ur.DownloadURL,
		SizeBytes:   ur.Size,
		SHA256:      ur.Checksum,
		BLAKE3:      BLAKE3Hex(data),
	}, nil
}

// Fetch reads the binary from the local cache. The verification gate
// always checks the bytes the device will actually receive.
func (s *RemoteStore) Fetch(ctx context.Context, firmwareID string) ([]byte, error) {
	return s.fallback.Fetch(ctx, firmwareID)
}

// Delete removes the local copy and best-effort deletes the remote one.
func (s *RemoteStore) Delete(ctx context.Context, firmwareID string) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete, s.baseURL+"/upload/"+firmwareID, http.NoBody)
	if err == nil {
		if resp, derr := s.client.Do(req); derr == nil {
			_ = resp.Body.Close()
		} else {
			log.Printf("Warning: failed to delete remote binary %s: %v", firmwareID, derr)
		}
	}

	return s.fallback.Delete(ctx, firmwareID)
}
