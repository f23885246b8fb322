package server

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
)

// getNodeInfo handles the GET /_cloudemu/node endpoint.
func (s *Server) getNodeInfo(c echo.Context) error {
	info, err := s.collectNodeInfo(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect node information")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to collect node information",
		})
	}
	return c.JSON(http.StatusOK, info)
}

// collectNodeInfo gathers host statistics. Load averages are not available everywhere and are
// reported as zero when missing.
func (s *Server) collectNodeInfo(ctx context.Context) (*models.NodeInfo, error) {
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	storage, err := s.storageInfo(ctx)
	if err != nil {
		return nil, err
	}

	info := &models.NodeInfo{
		Uptime:        formatUptime(uptime),
		UptimeSeconds: uptime,
		Goroutines:    runtime.NumGoroutine(),
		Memory: models.MemoryInfo{
			Total:     vm.Total,
			Used:      vm.Used,
			Available: vm.Available,
			Human:     humanize.IBytes(vm.Used) + " / " + humanize.IBytes(vm.Total),
		},
		Storage: *storage,
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.LoadAverages = models.LoadAverages{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}
	return info, nil
}

func (s *Server) storageInfo(ctx context.Context) (*models.StorageInfo, error) {
	path := s.state.Blobs.Root()
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, err
	}
	info := &models.StorageInfo{
		Path:      path,
		Total:     usage.Total,
		Used:      usage.Used,
		Available: usage.Free,
		Human:     humanize.IBytes(usage.Used) + " / " + humanize.IBytes(usage.Total),
	}
	if !s.state.Config.InMemory {
		if st, err := os.Stat(s.state.Config.MetadataPath()); err == nil && st.Size() > 0 {
			info.MetadataSize = uint64(st.Size())
		}
	}
	return info, nil
}

// formatUptime converts seconds to human-readable format.
func formatUptime(seconds uint64) string {
	duration := time.Duration(seconds) * time.Second // #nosec G115 - uptimes fit in int64
	const hoursInDay = 24
	const minutesInHour = 60
	days := int(duration.Hours()) / hoursInDay
	hours := int(duration.Hours()) % hoursInDay
	minutes := int(duration.Minutes()) % minutesInHour

	switch {
	case days > 0:
		return strconv.Itoa(days) + "d " + strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	case hours > 0:
		return strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	default:
		return strconv.Itoa(minutes) + "m"
	}
}
