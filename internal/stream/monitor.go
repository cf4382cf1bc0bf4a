package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dialhouse/callengine/internal/audio"
)

// LevelFunc receives each monitor sample.
type LevelFunc func(audio.Level)

// Monitor samples the streamer's signal level on a fixed schedule,
// independent of the network path. Purely diagnostic: it never touches the
// socket and its lifecycle failures never affect the call.
type Monitor struct {
	interval time.Duration
	source   func() audio.Level
	onLevel  LevelFunc

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor reading levels from source every interval.
func NewMonitor(interval time.Duration, source func() audio.Level, onLevel LevelFunc) *Monitor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Monitor{
		interval: interval,
		source:   source,
		onLevel:  onLevel,
		stop:     make(chan struct{}),
	}
}

// Start begins the sampling schedule.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
			}
			level := m.source()
			slog.Debug("signal level", "rms_db", level.RMSDB, "peak_db", level.PeakDB)
			if m.onLevel != nil {
				m.onLevel(level)
			}
		}
	}()
}

// Stop releases the schedule. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
