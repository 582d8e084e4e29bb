package campaign

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetota/pkg/models"
)

func deviceList(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("device-%03d", i)
	}

	return ids
}

func TestPlanWavesImmediate(t *testing.T) {
	waves := PlanWaves(models.StrategyImmediate, deviceList(10))

	require.Len(t, waves, 1)
	assert.Len(t, waves[0].DeviceIDs, 10)
	assert.Zero(t, waves[0].MonitorAfter)
}

func TestPlanWavesStaged(t *testing.T) {
	waves := PlanWaves(models.StrategyStaged, deviceList(100))

	require.Len(t, waves, 3)
	assert.Len(t, waves[0].DeviceIDs, 25)
	assert.Len(t, waves[1].DeviceIDs, 25)
	assert.Len(t, waves[2].DeviceIDs, 50)

	assert.NotZero(t, waves[0].MonitorAfter)
	assert.NotZero(t, waves[1].MonitorAfter)
	assert.Zero(t, waves[2].MonitorAfter, "final wave has nothing after it to gate")
}

func TestPlanWavesStagedCoversEveryDevice(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 99, 1000} {
		devices := deviceList(n)
		waves := PlanWaves(models.StrategyStaged, devices)

		seen := make(map[string]bool)
		for _, w := range waves {
			for _, id := range w.DeviceIDs {
				assert.False(t, seen[id], "device %s dispatched twice with %d devices", id, n)
				seen[id] = true
			}
		}

		assert.Len(t, seen, n, "fleet size %d", n)
	}
}

func TestPlanWavesCanary(t *testing.T) {
	waves := PlanWaves(models.StrategyCanary, deviceList(100))

	// Canary first, then the remainder keeps rolling out in stages
	// rather than landing on the whole fleet at once.
	require.Len(t, waves, 4)
	assert.Len(t, waves[0].DeviceIDs, 10)
	assert.Len(t, waves[1].DeviceIDs, 23)
	assert.Len(t, waves[2].DeviceIDs, 22)
	assert.Len(t, waves[3].DeviceIDs, 45)

	assert.NotZero(t, waves[0].MonitorAfter)
	assert.NotZero(t, waves[1].MonitorAfter)
	assert.NotZero(t, waves[2].MonitorAfter)
	assert.Zero(t, waves[3].MonitorAfter)
}

func TestPlanWavesCanaryTinyFleet(t *testing.T) {
	// A fleet too small for a percentage cut still gets one canary.
	waves := PlanWaves(models.StrategyCanary, deviceList(3))

	require.Len(t, waves, 3)
	assert.Len(t, waves[0].DeviceIDs, 1)
	assert.Len(t, waves[1].DeviceIDs, 1)
	assert.Len(t, waves[2].DeviceIDs, 1)
	assert.NotZero(t, waves[0].MonitorAfter)
}

func TestPlanWavesCanaryCoversEveryDevice(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 99, 1000} {
		devices := deviceList(n)
		waves := PlanWaves(models.StrategyCanary, devices)

		seen := make(map[string]bool)
		for _, w := range waves {
			for _, id := range w.DeviceIDs {
				assert.False(t, seen[id], "device %s dispatched twice with %d devices", id, n)
				seen[id] = true
			}
		}

		assert.Len(t, seen, n, "fleet size %d", n)
	}
}

func TestPlanWavesCanarySingleDevice(t *testing.T) {
	waves := PlanWaves(models.StrategyCanary, deviceList(1))

	require.Len(t, waves, 1)
	assert.Len(t, waves[0].DeviceIDs, 1)
}

func TestPlanWavesBlueGreen(t *testing.T) {
	waves := PlanWaves(models.StrategyBlueGreen, deviceList(40))

	require.Len(t, waves, 1)
	assert.Len(t, waves[0].DeviceIDs, 40)
}

func TestPlanWavesEmpty(t *testing.T) {
	assert.Nil(t, PlanWaves(models.StrategyImmediate, nil))
}

func TestApplyRolloutPercent(t *testing.T) {
	tests := []struct {
		name  string
		total int
		pct   int
		want  int
	}{
		{"full rollout keeps everyone", 10, 100, 10},
		{"half of ten", 10, 50, 5},
		{"rounds up", 10, 25, 3},
		{"one percent of one device still updates it", 1, 1, 1},
		{"zero treated as full", 7, 0, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyRolloutPercent(deviceList(tt.total), tt.pct)
			assert.Len(t, got, tt.want)
		})
	}
}
