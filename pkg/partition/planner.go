// Package partition computes the userdata/linux/esp layout written to the
// tablet's UFS disk. Everything here is pure: the device package runs the
// rendered commands.
package partition

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

const (
	// ReservedGB is kept out of the linux partition: userdata minimum, system
	// partitions and ESP.
	ReservedGB = 12
	// MinPercent and MaxPercent bound the requested linux share.
	MinPercent = 20
	MaxPercent = 90
	// userdataStartGB is where the resized userdata partition begins on stock layouts.
	userdataStartGB = "10.9"
	// removedPartition is the stock userdata slot recreated by the plan.
	removedPartition = 31
	// espPartition is the index parted assigns to the esp entry.
	espPartition = 33
)

var geometries = []struct {
	pattern *regexp.Regexp
	totalGB int
}{
	{regexp.MustCompile(`^125[0-9]{9}$`), 126},
	{regexp.MustCompile(`^253[0-9]{9}$`), 254},
}

// Plan is a derived layout; it is never stored or mutated.
type Plan struct {
	TotalGB       float64
	LinuxMaxGB    float64
	LinuxGB       float64
	UserdataEndGB float64
	LinuxEndGB    float64
	ESPStartGB    float64
}

// ComputePlan returns the layout for a disk of totalGB with percent of the
// usable space given to linux.
func ComputePlan(totalGB float64, percent int) (Plan, error) {
	if percent < MinPercent || percent > MaxPercent {
		return Plan{}, fmt.Errorf("%w: %d%% is outside [%d; %d]%%", errors.ErrInvalidPartitionSize, percent, MinPercent, MaxPercent)
	}

	linuxMax := totalGB - ReservedGB
	linux := round2(linuxMax * float64(percent) / 100)
	if linux > linuxMax {
		return Plan{}, fmt.Errorf("%w: %.2fGB exceeds %.2fGB", errors.ErrInvalidPartitionSize, linux, linuxMax)
	}

	userdataEnd := round2(totalGB - 1 - linux)
	linuxEnd := round2(userdataEnd + linux)

	plan := Plan{
		TotalGB:       totalGB,
		LinuxMaxGB:    linuxMax,
		LinuxGB:       linux,
		UserdataEndGB: userdataEnd,
		LinuxEndGB:    linuxEnd,
		ESPStartGB:    linuxEnd,
	}
	slog.Debug("partition_plan_computed",
		"total_gb", plan.TotalGB,
		"linux_gb", plan.LinuxGB,
		"userdata_end_gb", plan.UserdataEndGB,
		"linux_end_gb", plan.LinuxEndGB)
	return plan, nil
}

// ClassifyStorage maps the raw byte count reported by blockdev to one of the
// two supported disk sizes. Anything else is refused.
func ClassifyStorage(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	for _, g := range geometries {
		if g.pattern.MatchString(raw) {
			return g.totalGB, nil
		}
	}
	return 0, fmt.Errorf("%w: block size %q", errors.ErrUnsupportedStorageGeometry, raw)
}

// Commands renders the sgdisk/parted sequence that applies the plan to block.
func (p Plan) Commands(block string) []string {
	return []string{
		fmt.Sprintf("sgdisk --resize-table 64 %s", block),
		fmt.Sprintf("parted -s %s rm %d", block, removedPartition),
		fmt.Sprintf("parted -s %s mkpart userdata ext4 %sGB %sGB", block, userdataStartGB, gb(p.UserdataEndGB)),
		fmt.Sprintf("parted -s %s mkpart linux ext4 %sGB %sGB", block, gb(p.UserdataEndGB), gb(p.LinuxEndGB)),
		fmt.Sprintf("parted -s %s mkpart esp fat32 %sGB %sGB", block, gb(p.LinuxEndGB), gb(p.TotalGB)),
		fmt.Sprintf("parted -s %s set %d esp on", block, espPartition),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func gb(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
