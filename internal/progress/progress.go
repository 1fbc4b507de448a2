// Package progress holds the single shared Progress State record: a pair of
// monotone byte counters, a pair of monotone file counters, and two flags
// that flip false->true exactly once. The engine is the only writer;
// callers (an external observer, a polling loop, a UI) only ever read a
// Snapshot.
package progress

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is an immutable point-in-time read of the Progress State.
type Snapshot struct {
	DownloadedBytes  int64
	TotalBytes       int64
	PatchedFiles     int64
	TotalFiles       int64
	FinishedHash     bool
	FinishedPatching bool
}

// State is the process-wide shared progress record. The zero value is
// ready to use.
type State struct {
	mu sync.Mutex
	s  Snapshot

	metrics *metrics // nil unless registered
}

// AddTotalBytes grows the total-bytes-to-download figure. Only ever called
// during planning, when a new Download Task is first inserted into the plan.
func (s *State) AddTotalBytes(n int64) {
	s.mu.Lock()
	s.s.TotalBytes += n
	total := s.s.TotalBytes
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.totalBytes.Set(float64(total))
	}
}

// AddDownloadedBytes credits n bytes as downloaded. Called by the
// Downloader as parts complete, and at startup when resuming credits the
// bytes already on disk.
func (s *State) AddDownloadedBytes(n int64) {
	s.mu.Lock()
	s.s.DownloadedBytes += n
	downloaded := s.s.DownloadedBytes
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.downloadedBytes.Set(float64(downloaded))
	}
}

// AddTotalFiles grows the total-files-to-patch figure, once per Patch Entry
// discovered during planning.
func (s *State) AddTotalFiles(n int64) {
	s.mu.Lock()
	s.s.TotalFiles += n
	total := s.s.TotalFiles
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.totalFiles.Set(float64(total))
	}
}

// IncPatchedFiles credits one more successfully patched file.
func (s *State) IncPatchedFiles() {
	s.mu.Lock()
	s.s.PatchedFiles++
	patched := s.s.PatchedFiles
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.patchedFiles.Set(float64(patched))
	}
}

// SetFinishedHash flips finished_hash to true. Idempotent.
func (s *State) SetFinishedHash() {
	s.mu.Lock()
	s.s.FinishedHash = true
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.finishedHash.Set(1)
	}
}

// SetFinishedPatching flips finished_patching to true. Idempotent.
func (s *State) SetFinishedPatching() {
	s.mu.Lock()
	s.s.FinishedPatching = true
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.finishedPatching.Set(1)
	}
}

// Snapshot returns a consistent point-in-time copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

// Reset clears the state back to its zero value. Used between successive
// RunUpdate calls on a long-lived engine so a second, up-to-date run
// reports zero totals rather than carrying over the previous run's figures
// (testable property 2, idempotence).
func (s *State) Reset() {
	s.mu.Lock()
	s.s = Snapshot{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.reset()
	}
}

type metrics struct {
	downloadedBytes  prometheus.Gauge
	totalBytes       prometheus.Gauge
	patchedFiles     prometheus.Gauge
	totalFiles       prometheus.Gauge
	finishedHash     prometheus.Gauge
	finishedPatching prometheus.Gauge
}

func (m *metrics) reset() {
	m.downloadedBytes.Set(0)
	m.totalBytes.Set(0)
	m.patchedFiles.Set(0)
	m.totalFiles.Set(0)
	m.finishedHash.Set(0)
	m.finishedPatching.Set(0)
}

// Register exposes the state as Prometheus gauges on reg. Safe to call at
// most once per State; a nil reg disables metrics export entirely.
func (s *State) Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	m := &metrics{
		downloadedBytes:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "patch_downloaded_bytes", Help: "Bytes downloaded so far in the current run"}),
		totalBytes:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "patch_total_bytes", Help: "Total bytes the current plan requires downloading"}),
		patchedFiles:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "patch_files_done", Help: "Files successfully patched so far"}),
		totalFiles:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "patch_files_total", Help: "Total files the current plan requires patching"}),
		finishedHash:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "patch_finished_hash", Help: "1 once the classification pass has completed"}),
		finishedPatching: prometheus.NewGauge(prometheus.GaugeOpts{Name: "patch_finished_patching", Help: "1 once all patch application has completed"}),
	}
	reg.MustRegister(m.downloadedBytes, m.totalBytes, m.patchedFiles, m.totalFiles, m.finishedHash, m.finishedPatching)
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}
