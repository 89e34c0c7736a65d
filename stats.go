package nsfw

import "time"

// Stats is a snapshot of a boundary's session accumulators.
type Stats struct {
	BoundaryID          string    `msgpack:"boundary_id" json:"boundary_id"`
	State               string    `msgpack:"state" json:"state"`
	Device              string    `msgpack:"device" json:"device"`
	CacheHit            bool      `msgpack:"cache_hit" json:"cache_hit"`
	DownloadDurations   []float64 `msgpack:"download_ms" json:"download_ms"`
	ProcessingDurations []float64 `msgpack:"processing_ms" json:"processing_ms"`
	Classifications     uint64    `msgpack:"classifications" json:"classifications"`
	Failures            uint64    `msgpack:"failures" json:"failures"`
	HostFeatures        []string  `msgpack:"host_features" json:"host_features"`
	StartedAt           time.Time `msgpack:"started_at" json:"started_at"`
}

// sessionStats is owned by the boundary event loop and never shared.
type sessionStats struct {
	device     string
	cacheHit   bool
	downloads  []float64
	processing []float64
	count      uint64
	failures   uint64
	started    time.Time
	host       []string
}

func newSessionStats() *sessionStats {
	return &sessionStats{
		device:  "unknown",
		started: time.Now().UTC(),
		host:    HostFeatures(),
	}
}

func (s *sessionStats) snapshot(id string, state State) Stats {
	return Stats{
		BoundaryID:          id,
		State:               state.String(),
		Device:              s.device,
		CacheHit:            s.cacheHit,
		DownloadDurations:   append([]float64{}, s.downloads...),
		ProcessingDurations: append([]float64{}, s.processing...),
		Classifications:     s.count,
		Failures:            s.failures,
		HostFeatures:        append([]string{}, s.host...),
		StartedAt:           s.started,
	}
}
