package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide tunnel traffic counter. Byte counts cover
// frame bytes only; the handshake lines are not accounted.
var Stats = &stats{}

type stats struct {
	FramesUp   atomic.Int64 // frames written to the upstream link
	FramesDown atomic.Int64 // frames received from the upstream link
	BytesUp    atomic.Int64 // frame bytes written upstream
	BytesDown  atomic.Int64 // frame bytes received from upstream
	ConnsOpen  atomic.Int64 // accepted local TCP connections, cumulative
	ConnsClose atomic.Int64 // closed local TCP connections, cumulative
	Sessions   atomic.Int64 // upstream sessions started, cumulative
	Violations atomic.Int64 // protocol violations that tore a session down
}

func (s *stats) AddUp(n int)   { s.FramesUp.Add(1); s.BytesUp.Add(int64(n)) }
func (s *stats) AddDown(n int) { s.FramesDown.Add(1); s.BytesDown.Add(int64(n)) }
func (s *stats) OpenConn()     { s.ConnsOpen.Add(1) }
func (s *stats) CloseConn()    { s.ConnsClose.Add(1) }
func (s *stats) AddSession()   { s.Sessions.Add(1) }
func (s *stats) AddViolation() { s.Violations.Add(1) }

// LocalConns returns the number of currently open local TCP connections.
func (s *stats) LocalConns() int64 { return s.ConnsOpen.Load() - s.ConnsClose.Load() }

// reportInterval is the cadence of the periodic stats log line.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every reportInterval, suppressed while the tunnel is idle. It stops when
// ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevUp, prevDown, prevOpen, prevClose int64
		for {
			select {
			case <-ticker.C:
				up := Stats.BytesUp.Load()
				down := Stats.BytesDown.Load()
				opened := Stats.ConnsOpen.Load()
				closed := Stats.ConnsClose.Load()

				upRate := float64(up-prevUp) / reportInterval.Seconds()
				downRate := float64(down-prevDown) / reportInterval.Seconds()
				newConns := opened - prevOpen
				goneConns := closed - prevClose

				if newConns > 0 || goneConns > 0 || upRate > 10 || downRate > 10 {
					pterm.DefaultLogger.Info(formatStats(upRate, downRate, newConns, goneConns))
				}

				prevUp = up
				prevDown = down
				prevOpen = opened
				prevClose = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width human-readable string,
// for example: "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(upRate, downRate float64, newConns, goneConns int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Conn: %2d↑ %2d↓",
		formatBytes(upRate),
		formatBytes(downRate),
		newConns,
		goneConns,
	)
}
