// Package monitoring watches backend health and session quality and sends
// webhook alerts when they degrade.
package monitoring

import (
	"time"

	"github.com/sells-group/govchat/internal/model"
	"github.com/sells-group/govchat/internal/session"
)

// StateSource provides session snapshots.
type StateSource interface {
	Snapshot() session.State
}

// Snapshot holds the figures alerts are evaluated against.
type Snapshot struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Messages            int       `json:"messages"`
	FallbackMessages    int       `json:"fallback_messages"`
	FallbackRate        float64   `json:"fallback_rate"`
	FilesFailed         int       `json:"files_failed"`
	FilesInProgress     int       `json:"files_in_progress"`
	CollectedAt         time.Time `json:"collected_at"`
}

// Collector turns session state plus the latest health result into a
// Snapshot.
type Collector struct {
	src StateSource
	now func() time.Time
}

// NewCollector creates a collector over src.
func NewCollector(src StateSource) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect builds a snapshot. The fallback rate only counts the last
// window messages; window <= 0 counts all of them.
func (c *Collector) Collect(healthy bool, consecutiveFailures, window int) Snapshot {
	st := c.src.Snapshot()

	snap := Snapshot{
		Healthy:             healthy,
		ConsecutiveFailures: consecutiveFailures,
		CollectedAt:         c.now().UTC(),
	}

	msgs := st.Messages
	if window > 0 && len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	snap.Messages = len(msgs)
	for _, m := range msgs {
		if m.Provenance == model.ProvenanceFallback {
			snap.FallbackMessages++
		}
	}
	if snap.Messages > 0 {
		snap.FallbackRate = float64(snap.FallbackMessages) / float64(snap.Messages)
	}

	for _, f := range st.Files {
		switch {
		case f.Status == model.FileError:
			snap.FilesFailed++
		case !f.Status.IsTerminal():
			snap.FilesInProgress++
		}
	}
	return snap
}
