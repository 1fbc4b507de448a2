// Package download executes the Download Task table built by internal/plan:
// bounded-parallel workers, resumable ranged HTTP with an in-file progress
// sentinel, and mirror failover.
package download

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/renegade-patch/patchkit/internal/hashsum"
	"github.com/renegade-patch/patchkit/internal/mirror"
	"github.com/renegade-patch/patchkit/internal/patcherr"
	"github.com/renegade-patch/patchkit/internal/plan"
	"github.com/renegade-patch/patchkit/internal/progress"
)

// partSize is the fixed chunk size of the resumable ranged protocol.
const partSize int64 = 1_000_000

// sentinelSize is the width, in bytes, of the in-file progress marker
// appended after the payload while a blob is still in flight.
const sentinelSize int64 = 4

// maxMirrorAttempts bounds per-task mirror failover at five, or fewer when
// fewer mirrors are enabled; see DESIGN.md.
const maxMirrorAttempts = 5

var (
	metRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "patch_task_retries_total", Help: "Mirror failover attempts per download task"},
		[]string{"key"},
	)
	metBytes = prometheus.NewCounter(prometheus.CounterOpts{Name: "patch_download_bytes_total", Help: "Total bytes downloaded across all tasks"})
)

// RegisterMetrics attaches this package's counters to reg. A nil reg is a
// no-op, matching the progress package's own convention.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(metRetries, metBytes)
}

// Concurrency bounds the Downloader worker pool, governed by mirror
// concurrency; capped at a small multiple of the enabled mirror count.
func concurrency(enabledMirrors int) int {
	n := enabledMirrors * 4
	if n < 2 {
		n = 2
	}
	if n > 16 {
		n = 16
	}
	return n
}

// attemptCap returns the number of mirror attempts to make for one task:
// min(maxMirrorAttempts, enabledMirrors), never zero while at least one
// mirror is enabled.
func attemptCap(enabledMirrors int) int {
	if enabledMirrors < maxMirrorAttempts {
		return enabledMirrors
	}
	return maxMirrorAttempts
}

// Run downloads every task in tasks to its blob path, retrying across
// mirrors on failure, and credits the Progress State as bytes land. It
// returns the first fatal error encountered (a task exhausting its mirror
// attempts), after all in-flight workers have drained.
//
// When onSuccess is non-nil, it runs in the same worker goroutine right
// after that task's blob finishes downloading, before the worker picks up
// its next task. Wiring the Patcher in as onSuccess lets a task's blob get
// decoded and reclaimed while its peers are still downloading, instead of
// every task's blob sitting on disk at once until the whole batch lands.
func Run(ctx context.Context, reg *mirror.Registry, tasks []*plan.Task, st *progress.State, onSuccess func(*plan.Task) error) error {
	enabled := reg.Enabled()
	if enabled == 0 {
		return patcherr.ErrNoMirrors
	}

	work := make(chan *plan.Task)
	errs := make(chan error, len(tasks))
	var wg sync.WaitGroup

	workers := concurrency(enabled)
	if workers > len(tasks) && len(tasks) > 0 {
		workers = len(tasks)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range work {
				if err := runTask(ctx, reg, t, st); err != nil {
					errs <- err
					continue
				}
				if onSuccess != nil {
					if err := onSuccess(t); err != nil {
						errs <- err
					}
				}
			}
		}()
	}
	for _, t := range tasks {
		work <- t
	}
	close(work)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func runTask(ctx context.Context, reg *mirror.Registry, t *plan.Task, st *progress.State) error {
	if err := os.MkdirAll(filepath.Dir(t.BlobPath), 0o755); err != nil {
		return err
	}

	hasSource := false
	for _, e := range t.Entries {
		if e.HasSource {
			hasSource = true
			break
		}
	}

	attempts := attemptCap(reg.Enabled())
	var lastErr error
	var lastMirror *mirror.Mirror
	for attempt := 0; attempt < attempts; attempt++ {
		// Pick(attempt): the registry's enabled set is left untouched across
		// a task's own attempts, so attempt advances down the same ranked
		// list rather than racing other tasks' failures against it.
		m, ok := reg.Pick(attempt)
		if !ok {
			break
		}
		url := mirror.BlobURL(m, t.Key, hasSource)
		m.Acquire()
		err := downloadFile(ctx, reg.Client, url, t.BlobPath, t.ExpectedSize, t.ExpectedHash, st)
		m.Release()
		if err == nil {
			metBytes.Add(float64(t.ExpectedSize))
			return nil
		}
		metRetries.WithLabelValues(t.Key).Inc()
		slog.Warn("download attempt failed", "key", t.Key, "mirror", m.BaseURL, "attempt", attempt, "err", err)
		lastErr = &patcherr.MirrorError{Mirror: m.BaseURL, Op: "fetch-blob", Err: err}
		lastMirror = m
	}
	if lastErr == nil {
		lastErr = patcherr.ErrNoMirrors
		return lastErr
	}
	// Only a task that has burned every attempt available to it disables its
	// last mirror; a single transient failure on one task never removes a
	// mirror from service for the rest of the run.
	if lastMirror != nil {
		reg.Disable(lastMirror)
	}
	return lastErr
}

// downloadFile implements the resumable ranged download protocol: extend,
// resume from the trailing sentinel, fetch remaining parts, verify.
func downloadFile(ctx context.Context, client *http.Client, url, blobPath string, fileSize int64, expectedHash string, st *progress.State) error {
	f, err := os.OpenFile(blobPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	if info.Size() < fileSize+sentinelSize {
		if info.Size() == fileSize {
			got, err := hashsum.Reader(io.NewSectionReader(f, 0, fileSize))
			if err == nil && hashsum.Equal(got, expectedHash) {
				st.AddDownloadedBytes(fileSize)
				return nil
			}
		}
		if err := f.Truncate(fileSize + sentinelSize); err != nil {
			return err
		}
	}

	resumePart, err := readSentinel(f, fileSize)
	if err != nil {
		return err
	}
	if resumePart > 0 {
		credit := resumePart * partSize
		if credit > fileSize {
			credit = fileSize
		}
		st.AddDownloadedBytes(credit)
	}

	partCount := (fileSize + partSize - 1) / partSize
	for part := resumePart; part < partCount; part++ {
		start := part * partSize
		end := start + partSize - 1
		if end > fileSize-1 {
			end = fileSize - 1
		}

		if err := fetchRange(ctx, client, url, f, start, end); err != nil {
			return err
		}
		// The sentinel holds the number of completed parts, which is also
		// the part a restart resumes from.
		if err := writeSentinel(f, fileSize, part+1); err != nil {
			return err
		}
		st.AddDownloadedBytes(end - start + 1)
	}

	if err := f.Truncate(fileSize); err != nil {
		return err
	}

	got, err := hashsum.Reader(io.NewSectionReader(f, 0, fileSize))
	if err != nil {
		return err
	}
	if !hashsum.Equal(got, expectedHash) {
		return &patcherr.IntegrityError{Path: blobPath, Expected: expectedHash, Actual: got}
	}
	return nil
}

func readSentinel(f *os.File, fileSize int64) (int64, error) {
	buf := make([]byte, sentinelSize)
	if _, err := f.ReadAt(buf, fileSize); err != nil && err != io.EOF {
		return 0, err
	}
	return int64(binary.BigEndian.Uint32(buf)), nil
}

func writeSentinel(f *os.File, fileSize, part int64) error {
	buf := make([]byte, sentinelSize)
	binary.BigEndian.PutUint32(buf, uint32(part))
	_, err := f.WriteAt(buf, fileSize)
	return err
}

func fetchRange(ctx context.Context, client *http.Client, url string, f *os.File, start, end int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching range %d-%d", resp.StatusCode, start, end)
	}

	_, err = io.Copy(io.NewOffsetWriter(f, start), resp.Body)
	return err
}
