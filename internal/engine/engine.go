// Package engine wires the Mirror Registry, Manifest Loader, Planner,
// Downloader and Patcher into the control surface a caller drives: set an
// installation root, load a release, ask whether an update is available,
// run it, and poll progress.
package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/renegade-patch/patchkit/internal/download"
	"github.com/renegade-patch/patchkit/internal/manifest"
	"github.com/renegade-patch/patchkit/internal/mirror"
	"github.com/renegade-patch/patchkit/internal/patch"
	"github.com/renegade-patch/patchkit/internal/patcherr"
	"github.com/renegade-patch/patchkit/internal/plan"
	"github.com/renegade-patch/patchkit/internal/progress"
)

// Config configures a long-lived Engine value. Zero value is not usable:
// at minimum InstallationRoot and ReleaseURL must be set before RunUpdate.
type Config struct {
	InstallationRoot string
	ReleaseURL       string

	// Decoder defaults to patch.ExternalXdelta3{} when nil.
	Decoder patch.Decoder

	// Metrics, when non-nil, receives this engine's Prometheus collectors.
	// Left nil, no metrics are exported.
	Metrics prometheus.Registerer
}

// Engine is the control surface. Not safe for concurrent RunUpdate calls;
// a single Engine drives one update at a time.
type Engine struct {
	cfg Config

	registry *mirror.Registry
	progress progress.State

	loaded bool
}

// New builds an Engine from cfg. It does not perform any I/O.
func New(cfg Config) *Engine {
	if cfg.Decoder == nil {
		cfg.Decoder = patch.ExternalXdelta3{}
	}
	e := &Engine{cfg: cfg, registry: mirror.NewRegistry()}
	e.progress.Register(cfg.Metrics)
	download.RegisterMetrics(cfg.Metrics)
	return e
}

// SetInstallationRoot overrides the installation root after construction.
func (e *Engine) SetInstallationRoot(path string) {
	e.cfg.InstallationRoot = path
}

// LoadRelease fetches the release descriptor from cfg.ReleaseURL (or the
// url argument when non-empty), probes and ranks the mirror set, and
// leaves the engine ready for UpdateAvailable/RunUpdate.
func (e *Engine) LoadRelease(ctx context.Context, url string) error {
	if url == "" {
		url = e.cfg.ReleaseURL
	}
	if e.cfg.InstallationRoot == "" {
		return patcherr.ErrInstallRootUnset
	}

	if err := e.registry.Load(ctx, url); err != nil {
		return err
	}
	if err := e.registry.Probe(ctx); err != nil {
		return err
	}
	e.registry.Rank()
	e.loaded = true
	return nil
}

// UpdateAvailable fetches and verifies the instructions manifest and
// reports whether any file would be classified as needing work. It does
// not download or patch anything; a second call to RunUpdate repeats the
// manifest fetch and classification since no plan is cached between calls.
func (e *Engine) UpdateAvailable(ctx context.Context) (bool, error) {
	if !e.loaded {
		return false, patcherr.ErrNoReleaseLoaded
	}
	instructions, err := manifest.Load(ctx, e.registry)
	if err != nil {
		return false, err
	}
	var tmp progress.State
	p, err := plan.Build(instructions, e.cfg.InstallationRoot, &tmp)
	if err != nil {
		return false, err
	}
	return len(p.Tasks) > 0, nil
}

// RunUpdate executes the full pipeline: manifest fetch, classification,
// download, and patch application. On success it removes the patcher/
// staging directory and sets finished_patching. The Progress State is
// reset at the start of every call so a second, up-to-date run reports
// zero totals (testable property 2).
func (e *Engine) RunUpdate(ctx context.Context) error {
	if !e.loaded {
		return patcherr.ErrNoReleaseLoaded
	}
	e.progress.Reset()

	instructions, err := manifest.Load(ctx, e.registry)
	if err != nil {
		return err
	}
	p, err := plan.Build(instructions, e.cfg.InstallationRoot, &e.progress)
	if err != nil {
		return err
	}

	// Patch each task as soon as its own blob lands, so a finished task's
	// disk footprint is reclaimed while its peers are still downloading,
	// rather than holding every task's blob until the whole batch completes.
	onSuccess := func(t *plan.Task) error {
		return patch.Apply(ctx, e.cfg.Decoder, t, &e.progress)
	}
	if err := download.Run(ctx, e.registry, p.Tasks, &e.progress, onSuccess); err != nil {
		return err
	}

	patcherDir := plan.BlobPath(e.cfg.InstallationRoot, "") // key="" joins down to the patcher/ directory itself
	if err := os.RemoveAll(patcherDir); err != nil {
		return fmt.Errorf("removing patcher directory: %w", err)
	}
	e.progress.SetFinishedPatching()
	return nil
}

// ProgressSnapshot returns a consistent read of the engine's Progress
// State for an external observer.
func (e *Engine) ProgressSnapshot() progress.Snapshot {
	return e.progress.Snapshot()
}
