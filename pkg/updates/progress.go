// Package updates pkg/updates/progress.go maps lifecycle phases to the
// reported progress percentage.
package updates

import (
	"math"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// Fixed progress anchors per phase. Download spans 5-50, install 60-90.
const (
	progressStarted    = 5.0
	progressDownload   = 45.0
	progressVerifying  = 55.0
	progressInstallMin = 60.0
	progressInstall    = 30.0
	progressRebooting  = 92.0
	progressComplete   = 100.0
)

// ProgressFor returns the stored progress value for a status, using the
// phase fraction for DOWNLOADING and INSTALLING. Values are clamped to
// [0,100] and rounded to two decimal places.
func ProgressFor(status models.UpdateStatus, fraction float64) float64 {
	var p float64

	// A bogus device report must not claim a later phase's range.
	f := fraction
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}

	switch status {
	case models.UpdateCreated, models.UpdateScheduled:
		p = 0
	case models.UpdateInProgress:
		p = progressStarted
	case models.UpdateDownloading:
		p = progressStarted + progressDownload*f
	case models.UpdateVerifying:
		p = progressVerifying
	case models.UpdateInstalling:
		p = progressInstallMin + progressInstall*f
	case models.UpdateRebooting:
		p = progressRebooting
	case models.UpdateCompleted:
		p = progressComplete
	case models.UpdateFailed, models.UpdateCancelled:
		// Terminal failure keeps the last reported progress; callers
		// pass it through as the fraction-independent value.
		p = fraction
	}

	return clampProgress(p)
}

func clampProgress(p float64) float64 {
	if p < 0 {
		p = 0
	}

	if p > progressComplete {
		p = progressComplete
	}

	return math.Round(p*100) / 100
}

// phaseFor names the phase stored alongside each status.
func phaseFor(status models.UpdateStatus) string {
	switch status {
	case models.UpdateCreated:
		return "created"
	case models.UpdateScheduled:
		return "scheduled"
	case models.UpdateInProgress:
		return "starting"
	case models.UpdateDownloading:
		return "download"
	case models.UpdateVerifying:
		return "verify"
	case models.UpdateInstalling:
		return "install"
	case models.UpdateRebooting:
		return "reboot"
	case models.UpdateCompleted:
		return "done"
	case models.UpdateFailed:
		return "failed"
	case models.UpdateCancelled:
		return "cancelled"
	default:
		return ""
	}
}
