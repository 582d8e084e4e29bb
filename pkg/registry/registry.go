// Package registry pkg/registry/registry.go implements the firmware
// registry: validated registration, soft-delete deprecation, and the
// download/success statistics other components feed.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mfreeman451/fleetota/pkg/binstore"
	"github.com/mfreeman451/fleetota/pkg/db"
	"github.com/mfreeman451/fleetota/pkg/events"
	"github.com/mfreeman451/fleetota/pkg/models"
)

const (
	maxNameLength = 200
	maxBinarySize = 500 << 20 // 500 MiB
	idHexLength   = 16
)

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9]+)?$`)

// Registry validates and stores firmware metadata.
type Registry struct {
	store    db.Service
	binaries binstore.Store
}

// New creates a firmware registry backed by the given store and binary
// store.
func New(store db.Service, binaries binstore.Store) *Registry {
	return &Registry{store: store, binaries: binaries}
}

// RegisterRequest carries everything needed to register one firmware
// image. The two checksum fields are optional caller-supplied values to
// verify against; the registry always recomputes its own.
type RegisterRequest struct {
	Name           string
	Version        string
	DeviceModel    string
	Binary         []byte
	ChecksumSHA256 string
	ChecksumBLAKE3 string
	Signature      string
	HardwareMin    string
	HardwareMax    string
	SecurityPatch  bool
	Beta           bool
	Metadata       models.Metadata
}

// FirmwareID derives the deterministic identifier for
// (name, version, device model). The identity is a pure function of the
// triple, so re-registering the same firmware collides instead of
// overwriting.
func FirmwareID(name, version, deviceModel string) string {
	sum := sha256.Sum256([]byte(name + "|" + version + "|" + deviceModel))

	return "fw-" + hex.EncodeToString(sum[:])[:idHexLength]
}

// Register validates the request, persists the binary through the Binary
// Store, and stores the firmware metadata.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest) (*models.Firmware, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	sha := binstore.SHA256Hex(req.Binary)
	if !binstore.ChecksumsMatch(req.ChecksumSHA256, sha) {
		return nil, models.NewValidationError("checksum_sha256",
			"supplied checksum does not match binary")
	}

	b3 := binstore.BLAKE3Hex(req.Binary)
	if !binstore.ChecksumsMatch(req.ChecksumBLAKE3, b3) {
		return nil, models.NewValidationError("checksum_blake3",
			"supplied checksum does not match binary")
	}

	id := FirmwareID(req.Name, req.Version, req.DeviceModel)

	stored, err := r.binaries.Upload(ctx, id, req.Binary, map[string]string{
		"name":         req.Name,
		"version":      req.Version,
		"device_model": req.DeviceModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store binary: %w", err)
	}

	fw := &models.Firmware{
		ID:             id,
		Name:           req.Name,
		Version:        req.Version,
		DeviceModel:    req.DeviceModel,
		HardwareMin:    req.HardwareMin,
		HardwareMax:    req.HardwareMax,
		SizeBytes:      int64(len(req.Binary)),
		ChecksumSHA256: sha,
		ChecksumBLAKE3: b3,
		Signature:      req.Signature,
		DownloadURL:    stored.DownloadURL,
		StorePending:   stored.Pending,
		SecurityPatch:  req.SecurityPatch,
		Beta:           req.Beta,
		Metadata:       req.Metadata,
	}

	event := events.New(models.EventFirmwareUploaded, id, map[string]interface{}{
		"name":         fw.Name,
		"version":      fw.Version,
		"device_model": fw.DeviceModel,
		"size_bytes":   fw.SizeBytes,
	})

	if err := r.store.CreateFirmware(fw, event); err != nil {
		if errors.Is(err, db.ErrDuplicateRow) {
			return nil, models.NewDuplicateError(
				"firmware %s %s for model %s is already registered",
				req.Name, req.Version, req.DeviceModel)
		}

		return nil, err
	}

	return fw, nil
}

func validateRequest(req *RegisterRequest) error {
	if len(req.Name) == 0 || len(req.Name) > maxNameLength {
		return models.NewValidationError("name", "must be 1-%d characters", maxNameLength)
	}

	if !versionPattern.MatchString(req.Version) {
		return models.NewValidationError("version",
			"%q is not a valid semantic version", req.Version)
	}

	if req.DeviceModel == "" {
		return models.NewValidationError("device_model", "is required")
	}

	if len(req.Binary) == 0 {
		return models.NewValidationError("binary", "is empty")
	}

	if len(req.Binary) > maxBinarySize {
		return models.NewValidationError("binary", "exceeds %d bytes", maxBinarySize)
	}

	if req.HardwareMin != "" && req.HardwareMax != "" &&
		CompareHardwareVersions(req.HardwareMin, req.HardwareMax) > 0 {
		return models.NewValidationError("hardware_range",
			"min %q is greater than max %q", req.HardwareMin, req.HardwareMax)
	}

	return nil
}

// Get retrieves one firmware image.
func (r *Registry) Get(id string) (*models.Firmware, error) {
	fw, err := r.store.GetFirmware(id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.NewNotFoundError("firmware", id)
	}

	return fw, err
}

// GetByIdentity retrieves one firmware image by its defining triple.
func (r *Registry) GetByIdentity(name, version, deviceModel string) (*models.Firmware, error) {
	return r.Get(FirmwareID(name, version, deviceModel))
}

// List returns registered firmware, excluding deprecated images unless
// asked.
func (r *Registry) List(includeDeprecated bool) ([]models.Firmware, error) {
	return r.store.ListFirmware(includeDeprecated)
}

// Deprecate soft-deletes a firmware image: it no longer qualifies for new
// campaigns but stays available for audit and rollback.
func (r *Registry) Deprecate(_ context.Context, id string) error {
	event := events.New(models.EventFirmwareDeprecated, id, nil)

	err := r.store.DeprecateFirmware(id, event)
	if errors.Is(err, db.ErrNotFound) {
		return models.NewNotFoundError("firmware", id)
	}

	return err
}

// RecordDownload atomically increments the download counter.
func (r *Registry) RecordDownload(_ context.Context, id string) error {
	err := r.store.IncrementDownloadCount(id)
	if errors.Is(err, db.ErrNotFound) {
		return models.NewNotFoundError("firmware", id)
	}

	return err
}

// RecordUpdateResult feeds the success-rate statistic with one device
// update outcome.
func (r *Registry) RecordUpdateResult(id string, success bool) error {
	return r.store.RecordFirmwareResult(id, success)
}

// CheckCompatibility verifies a device's hardware version falls inside
// the firmware's supported range. Empty range bounds are open-ended.
func CheckCompatibility(fw *models.Firmware, hardwareVersion string) error {
	if hardwareVersion == "" {
		return models.NewValidationError("hardware_version", "device did not report one")
	}

	if fw.HardwareMin != "" && CompareHardwareVersions(hardwareVersion, fw.HardwareMin) < 0 {
		return models.NewValidationError("hardware_version",
			"%q is below the supported minimum %q", hardwareVersion, fw.HardwareMin)
	}

	if fw.HardwareMax != "" && CompareHardwareVersions(hardwareVersion, fw.HardwareMax) > 0 {
		return models.NewValidationError("hardware_version",
			"%q is above the supported maximum %q", hardwareVersion, fw.HardwareMax)
	}

	return nil
}

// CompareHardwareVersions orders two dotted version strings numerically
// component by component, falling back to string comparison for
// non-numeric components. Returns -1, 0, or 1.
func CompareHardwareVersions(a, b string) int {
	if a == b {
		return 0
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])

		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}

				return 1
			}
		default:
			if as[i] != bs[i] {
				if as[i] < bs[i] {
					return -1
				}

				return 1
			}
		}
	}

	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}
