package campaign

import (
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

const (
	// canaryPercent is the share of devices in the first canary wave.
	canaryPercent = 10

	// defaultMonitorWindow is how long a canary or staged wave is
	// observed before the next wave dispatches.
	defaultMonitorWindow = 5 * time.Minute
)

// stagedCumulative are the cumulative rollout milestones of the staged
// strategy: a quarter of the fleet, then half, then everyone.
var stagedCumulative = []int{25, 50, 100}

// Wave is one dispatch batch of a campaign. Devices within a wave run
// concurrently up to the campaign's max_concurrent; MonitorAfter is how
// long the wave is observed before the next one starts.
type Wave struct {
	DeviceIDs    []string
	MonitorAfter time.Duration
}

// PlanWaves splits the target devices into dispatch waves according to
// the campaign's deployment strategy. rollout_percent has already been
// applied; every device in the slice is dispatched.
func PlanWaves(strategy models.DeploymentStrategy, deviceIDs []string) []Wave {
	if len(deviceIDs) == 0 {
		return nil
	}

	switch strategy {
	case models.StrategyStaged:
		return planStaged(deviceIDs)
	case models.StrategyCanary:
		return planCanary(deviceIDs)
	case models.StrategyImmediate, models.StrategyScheduled, models.StrategyBlueGreen:
		// Scheduled differs only in when the first wave starts, and
		// blue/green runs the whole green set in one parallel wave.
		return []Wave{{DeviceIDs: deviceIDs}}
	default:
		return []Wave{{DeviceIDs: deviceIDs}}
	}
}

func planStaged(deviceIDs []string) []Wave {
	total := len(deviceIDs)
	waves := make([]Wave, 0, len(stagedCumulative))
	prev := 0

	for i, pct := range stagedCumulative {
		end := sliceCut(total, pct)
		if end <= prev {
			continue
		}

		w := Wave{DeviceIDs: deviceIDs[prev:end]}
		if i < len(stagedCumulative)-1 && end < total {
			w.MonitorAfter = defaultMonitorWindow
		}

		waves = append(waves, w)
		prev = end
	}

	return waves
}

// planCanary carves off a small first wave, then continues the
// remainder as a staged rollout once the monitor window passes.
func planCanary(deviceIDs []string) []Wave {
	total := len(deviceIDs)
	cut := sliceCut(total, canaryPercent)

	if cut == 0 {
		cut = 1
	}

	if cut >= total {
		return []Wave{{DeviceIDs: deviceIDs}}
	}

	waves := []Wave{{DeviceIDs: deviceIDs[:cut], MonitorAfter: defaultMonitorWindow}}

	return append(waves, planStaged(deviceIDs[cut:])...)
}

// sliceCut returns the index covering pct percent of total, rounding up
// so small fleets still get a non-degenerate first wave.
func sliceCut(total, pct int) int {
	return (total*pct + 99) / 100
}

// ApplyRolloutPercent trims the target list to the campaign's
// rollout_percent. Order is preserved; the cut rounds up so a 1-device
// fleet at 1 percent still updates one device.
func ApplyRolloutPercent(deviceIDs []string, pct int) []string {
	if pct <= 0 || pct >= 100 {
		return deviceIDs
	}

	return deviceIDs[:sliceCut(len(deviceIDs), pct)]
}
