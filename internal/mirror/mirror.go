// Package mirror owns the set of candidate download mirrors: building them
// from a release descriptor, probing each with a fixed-size calibration
// fetch, ranking the survivors by measured throughput, and handing out a
// deterministic failover order to callers.
package mirror

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/renegade-patch/patchkit/internal/patcherr"
)

// calibrationSize is the fixed size, in bytes, of the well-known object
// every mirror must serve byte-exact at "<base>/../10kb_file".
const calibrationSize = 10000

// calibrationName is the well-known calibration object's filename.
const calibrationName = "10kb_file"

// Mirror is one candidate download source. BaseURL is set at construction
// and never changes. Throughput, Latency and Enabled are set by Probe;
// afterwards Enabled is only cleared, by Rank or Disable.
type Mirror struct {
	BaseURL    string // mirror URL + patch_path
	Throughput float64 // bytes/ms, measured by the calibration fetch
	Latency    float64 // ms
	Enabled    bool

	inUse int32 // atomic; incremented while a downloader holds this mirror
}

// Acquire marks the mirror as being used by one more caller.
func (m *Mirror) Acquire() { atomic.AddInt32(&m.inUse, 1) }

// Release marks the mirror as no longer used by one caller.
func (m *Mirror) Release() { atomic.AddInt32(&m.inUse, -1) }

// InUse returns the current number of callers holding this mirror.
func (m *Mirror) InUse() int32 { return atomic.LoadInt32(&m.inUse) }

func (m *Mirror) calibrationURL() string {
	u, err := url.Parse(m.BaseURL)
	if err != nil {
		return m.BaseURL + "/../" + calibrationName
	}
	u.Path = path.Join(u.Path, "..", calibrationName)
	return u.String()
}

// blobURL builds the URL for a content-addressed blob task key, selecting
// the /full/ or /delta/ prefix.
func (m *Mirror) blobURL(key string, isDelta bool) string {
	base := strings.TrimRight(m.BaseURL, "/")
	if isDelta {
		return base + "/delta/" + key
	}
	return base + "/full/" + key
}

// Registry owns the candidate mirror set and the release descriptor
// metadata fetched alongside it.
type Registry struct {
	Client *http.Client

	mu               sync.Mutex
	mirrors          []*Mirror
	instructionsHash string
	versionNumber    int
	manifestPath     string // "patch_path"/instructions.json is relative to each mirror's BaseURL
}

// NewRegistry builds a Registry with a calibration-safe HTTP client: compression
// is disabled at the transport level so Content-Length reports the mirror's
// actual byte count rather than a gzip-framed one.
func NewRegistry() *Registry {
	tr := &http.Transport{DisableCompression: true}
	return &Registry{Client: &http.Client{Transport: tr, Timeout: 30 * time.Second}}
}

type releaseDescriptor struct {
	Game struct {
		Mirrors []struct {
			URL string `json:"url"`
		} `json:"mirrors"`
		PatchPath        string `json:"patch_path"`
		InstructionsHash string `json:"instructions_hash"`
		VersionNumber    int    `json:"version_number"`
	} `json:"game"`
}

// Load fetches the release descriptor from descriptorURL and builds one
// Mirror per entry, with placeholder throughput/latency. It does not probe
// or rank; call Probe and Rank afterward.
func (r *Registry) Load(ctx context.Context, descriptorURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, descriptorURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return &patcherr.MirrorError{Mirror: descriptorURL, Op: "fetch-descriptor", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &patcherr.MirrorError{Mirror: descriptorURL, Op: "fetch-descriptor", Err: err}
	}

	var desc releaseDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return &patcherr.ProtocolError{Source: "release-descriptor", Err: err}
	}

	mirrors := make([]*Mirror, 0, len(desc.Game.Mirrors))
	for _, m := range desc.Game.Mirrors {
		mirrors = append(mirrors, &Mirror{
			BaseURL:    m.URL + desc.Game.PatchPath,
			Throughput: 80.0, // placeholder, matches the original's pre-probe defaults
			Latency:    500.0,
			Enabled:    false,
		})
	}

	r.mu.Lock()
	r.mirrors = mirrors
	r.instructionsHash = desc.Game.InstructionsHash
	r.versionNumber = desc.Game.VersionNumber
	r.manifestPath = "/instructions.json"
	r.mu.Unlock()
	return nil
}

// AddMirror appends a mirror with the given base URL, already enabled. Used
// by tests and by callers that build a registry without a release
// descriptor (e.g. pointing at a single known-good mirror).
func (r *Registry) AddMirror(baseURL string) *Mirror {
	m := &Mirror{BaseURL: baseURL, Throughput: 80.0, Latency: 500.0, Enabled: true}
	r.mu.Lock()
	r.mirrors = append(r.mirrors, m)
	r.mu.Unlock()
	return m
}

// SetInstructionsHash overrides the expected instructions-manifest hash.
// Used by tests; production callers get this from Load.
func (r *Registry) SetInstructionsHash(h string) {
	r.mu.Lock()
	r.instructionsHash = h
	r.mu.Unlock()
}

// InstructionsHash returns the expected SHA-256 of the instructions
// manifest, as published in the release descriptor.
func (r *Registry) InstructionsHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instructionsHash
}

// VersionNumber returns the target version published in the release
// descriptor.
func (r *Registry) VersionNumber() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versionNumber
}

// snapshot returns a copy of the current mirror slice for safe iteration
// without holding the lock during network I/O.
func (r *Registry) snapshot() []*Mirror {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Mirror, len(r.mirrors))
	copy(out, r.mirrors)
	return out
}

// Probe issues the fixed-size calibration fetch against every mirror in
// parallel, deriving throughput and latency from the measured duration.
// Mirrors that time out, error, or return the wrong Content-Length are
// disabled.
func (r *Registry) Probe(ctx context.Context) error {
	mirrors := r.snapshot()
	if len(mirrors) == 0 {
		return patcherr.ErrNoMirrors
	}

	// The timeout derivation mirrors the original: the 10,000-byte
	// calibration payload scaled by the current best throughput estimate,
	// times 4 for slack. Before any mirror has a measured speed,
	// fastest is the 80 bytes/ms placeholder, giving a first
	// probe timeout of 10000/80*4 = 500ms.
	fastest := mirrors[0].Throughput
	for _, m := range mirrors {
		if m.Throughput > fastest {
			fastest = m.Throughput
		}
	}
	timeout := time.Duration(10000/fastest*4) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var wg sync.WaitGroup
	for _, m := range mirrors {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.probeOne(ctx, m, timeout)
		}()
	}
	wg.Wait()

	anyEnabled := false
	for _, m := range mirrors {
		if m.Enabled {
			anyEnabled = true
			break
		}
	}
	if !anyEnabled {
		return patcherr.ErrNoMirrors
	}
	return nil
}

func (r *Registry) probeOne(ctx context.Context, m *Mirror, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.calibrationURL(), nil)
	if err != nil {
		m.Enabled = false
		return
	}
	start := time.Now()
	resp, err := r.Client.Do(req)
	if err != nil {
		slog.Warn("mirror probe failed", "mirror", m.BaseURL, "err", err)
		m.Enabled = false
		m.Throughput = 0
		m.Latency = 1000
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	if resp.ContentLength != calibrationSize {
		slog.Warn("mirror probe wrong size", "mirror", m.BaseURL, "content_length", resp.ContentLength)
		m.Enabled = false
		m.Throughput = 0
		m.Latency = 1000
		return
	}

	ms := float64(elapsed.Microseconds()) / 1000.0
	if ms <= 0 {
		ms = 0.001
	}
	m.Throughput = calibrationSize / ms
	m.Latency = ms
	m.Enabled = true
}

// Rank sorts enabled mirrors by throughput descending, then disables any
// whose throughput falls below one quarter of the fastest mirror's. This
// is the admission rule that keeps slow mirrors out of the failover order.
func (r *Registry) Rank() {
	r.mu.Lock()
	defer r.mu.Unlock()

	sort.SliceStable(r.mirrors, func(i, j int) bool {
		ei, ej := r.mirrors[i].Enabled, r.mirrors[j].Enabled
		if ei != ej {
			return ei // enabled mirrors sort first
		}
		return r.mirrors[i].Throughput > r.mirrors[j].Throughput
	})

	var best float64
	for _, m := range r.mirrors {
		if m.Enabled {
			best = m.Throughput
			break
		}
	}
	if best <= 0 {
		return
	}
	for _, m := range r.mirrors {
		if m.Enabled && m.Throughput < best/4.0 {
			m.Enabled = false
		}
	}
}

// Enabled returns the number of currently enabled mirrors.
func (r *Registry) Enabled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.mirrors {
		if m.Enabled {
			n++
		}
	}
	return n
}

// Pick returns the enabled mirror at failover rank attempt (0 = fastest).
// Ranks are computed fresh over the current enabled set every call so a
// Disable/Remove made between attempts is honored immediately.
func (r *Registry) Pick(attempt int) (*Mirror, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := 0
	for _, m := range r.mirrors {
		if !m.Enabled {
			continue
		}
		if idx == attempt {
			return m, true
		}
		idx++
	}
	return nil, false
}

// Disable marks mirror m as unusable without removing
// it from the slice (its calibration stats remain visible for diagnostics).
func (r *Registry) Disable(m *Mirror) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Enabled = false
}

// Remove deletes m from the registry outright. Used by the Manifest Loader
// when a mirror serves a corrupt manifest: removal (not just disabling) is
// cumulative across retries so a later Downloader attempt never revisits it.
func (r *Registry) Remove(m *Mirror) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, mm := range r.mirrors {
		if mm == m {
			r.mirrors = append(r.mirrors[:i], r.mirrors[i+1:]...)
			return
		}
	}
}

// BlobURL returns the full URL for a content-addressed blob at mirror m,
// using /delta/ when isDelta is set, else /full/.
func BlobURL(m *Mirror, key string, isDelta bool) string {
	return m.blobURL(key, isDelta)
}

// ManifestURL returns the instructions.json URL served by m.
func (r *Registry) ManifestURL(m *Mirror) string {
	r.mu.Lock()
	p := r.manifestPath
	r.mu.Unlock()
	if p == "" {
		p = "/instructions.json"
	}
	return strings.TrimRight(m.BaseURL, "/") + p
}
