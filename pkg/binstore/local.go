// Package binstore pkg/binstore/local.go implements the filesystem-backed
// store. Binaries are zstd-compressed at rest; digests are computed over
// the uncompressed bytes so verification is independent of storage format.
package binstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

var (
	errEmptyBinary   = errors.New("binary is empty")
	errBadFirmwareID = errors.New("invalid firmware id")
)

// LocalStore keeps firmware binaries on the local filesystem.
type LocalStore struct {
	dir     string
	baseURL string
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewLocalStore creates a filesystem store rooted at dir. baseURL is the
// externally-visible prefix for download URLs.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &LocalStore{dir: dir, baseURL: baseURL, enc: enc, dec: dec}, nil
}

func (s *LocalStore) path(firmwareID string) (string, error) {
	if firmwareID == "" || firmwareID != filepath.Base(firmwareID) {
		return "", fmt.Errorf("%w: %q", errBadFirmwareID, firmwareID)
	}

	return filepath.Join(s.dir, firmwareID+".bin.zst"), nil
}

// Upload persists the binary and returns its location and digests.
func (s *LocalStore) Upload(
	_ context.Context, firmwareID string, data []byte, _ map[string]string) (*StoredBinary, error) {
	if len(data) == 0 {
		return nil, errEmptyBinary
	}

	path, err := s.path(firmwareID)
	if err != nil {
		return nil, err
	}

	compressed := s.enc.EncodeAll(data, nil)

	if err := os.WriteFile(path, compressed, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write binary: %w", err)
	}

	return &StoredBinary{
		DownloadURL: s.baseURL + "/" + firmwareID,
		SizeBytes:   int64(len(data)),
		SHA256:      SHA256Hex(data),
		BLAKE3:      BLAKE3Hex(data),
	}, nil
}

// Fetch reads a binary back, decompressed.
func (s *LocalStore) Fetch(_ context.Context, firmwareID string) ([]byte, error) {
	path, err := s.path(firmwareID)
	if err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}

	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress binary: %w", err)
	}

	return data, nil
}

// Delete removes a stored binary. Missing files are not an error.
func (s *LocalStore) Delete(_ context.Context, firmwareID string) error {
	path, err := s.path(firmwareID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete binary: %w", err)
	}

	return nil
}
