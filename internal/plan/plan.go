// Package plan classifies manifest instructions against on-disk state and
// builds the deduplicated Download Task table the Downloader consumes.
package plan

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/renegade-patch/patchkit/internal/hashsum"
	"github.com/renegade-patch/patchkit/internal/manifest"
	"github.com/renegade-patch/patchkit/internal/progress"
)

// PatchEntry is one file that a Download Task's blob will produce once
// decoded. Several entries may share one Task when their instructions
// collapse onto the same content-addressed key.
type PatchEntry struct {
	TargetPath string
	HasSource  bool // true: target_path already exists and is the VCDIFF source
	TargetHash string
}

// Task is one content-addressed download, local blob path under
// "<install>/patcher/<key>", and the set of Patch Entries it feeds.
type Task struct {
	Key          string
	IsDelta      bool
	BlobPath     string
	ExpectedSize int64
	ExpectedHash string
	Entries      []PatchEntry
}

// Plan is the full output of classification: the Download Task table (in
// first-insertion order, which depends on worker scheduling when several
// instructions are classified at once) and counts of files already up to
// date.
type Plan struct {
	Tasks     []*Task
	UpToDate  int
	Skipped   int // deletions and missing-with-no-target, see DESIGN.md
}

// taskIndex tracks Download Task position by key for O(1) de-duplication.
type taskIndex struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []*Task
}

func newTaskIndex() *taskIndex {
	return &taskIndex{tasks: make(map[string]*Task)}
}

// upsert returns the existing Task for key, or creates and records a new
// one via makeTask if this is the first instruction to need it. The
// caller's total_bytes credit only happens on the creation path, so a blob
// shared by several file entries is still only counted once.
func (ti *taskIndex) upsert(key string, makeTask func() *Task, st *progress.State) *Task {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if t, ok := ti.tasks[key]; ok {
		return t
	}
	t := makeTask()
	ti.tasks[key] = t
	ti.order = append(ti.order, t)
	st.AddTotalBytes(t.ExpectedSize)
	return t
}

func (ti *taskIndex) addEntry(t *Task, e PatchEntry) {
	ti.mu.Lock()
	t.Entries = append(t.Entries, e)
	ti.mu.Unlock()
}

func (ti *taskIndex) snapshot() []*Task {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	out := make([]*Task, len(ti.order))
	copy(out, ti.order)
	return out
}

// defaultWorkers bounds the classification and hash-check fan-out worker
// pool; it equals the upper bound of the Downloader's own worker count.
const defaultWorkers = 16

// Build classifies every instruction against installRoot and returns the
// resulting Plan. Classification and the second hash-check pass both run
// with bounded parallelism over a shared work queue.
func Build(instructions []manifest.Instruction, installRoot string, st *progress.State) (*Plan, error) {
	ti := newTaskIndex()
	p := &Plan{}
	var pMu sync.Mutex

	work := make(chan manifest.Instruction)
	var wg sync.WaitGroup
	workers := defaultWorkers
	if len(instructions) < workers {
		workers = len(instructions)
	}
	if workers == 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ins := range work {
				classify(ins, installRoot, ti, st, p, &pMu)
			}
		}()
	}
	for _, ins := range instructions {
		work <- ins
	}
	close(work)
	wg.Wait()

	p.Tasks = ti.snapshot()
	st.SetFinishedHash()
	return p, nil
}

func classify(ins manifest.Instruction, installRoot string, ti *taskIndex, st *progress.State, p *Plan, pMu *sync.Mutex) {
	target := filepath.Join(installRoot, filepath.FromSlash(ins.Path))
	info, err := os.Stat(target)
	exists := err == nil && !info.IsDir()

	hasNew := ins.NewHash != ""

	switch {
	case !exists && hasNew:
		enqueueFullReplace(ins, target, installRoot, ti, st)
	case !exists && !hasNew:
		pMu.Lock()
		p.Skipped++
		pMu.Unlock()
	case exists && hasNew:
		// old_hash may be empty (no delta candidate to fall back to), but an
		// existing file still needs its on-disk hash checked against new_hash
		// before any download is queued: a file already matching new_hash is
		// up to date regardless of whether old_hash was ever known.
		hashCheck(ins, target, installRoot, ti, st, p, pMu)
	case exists && !hasNew:
		// Deletion candidate: new_hash absent for an existing file.
		// Deliberately ignored rather than removed; see DESIGN.md.
		pMu.Lock()
		p.Skipped++
		pMu.Unlock()
	}
}

// hashCheck computes the on-disk SHA-256 and decides up-to-date, delta, or
// full-replace.
func hashCheck(ins manifest.Instruction, target, installRoot string, ti *taskIndex, st *progress.State, p *Plan, pMu *sync.Mutex) {
	got, err := hashsum.File(target)
	if err != nil {
		enqueueFullReplace(ins, target, installRoot, ti, st)
		return
	}
	switch {
	case hashsum.Equal(got, ins.NewHash):
		pMu.Lock()
		p.UpToDate++
		pMu.Unlock()
	case ins.HasDelta && hashsum.Equal(got, ins.OldHash):
		enqueueDelta(ins, target, installRoot, ti, st)
	default:
		enqueueFullReplace(ins, target, installRoot, ti, st)
	}
}

func enqueueFullReplace(ins manifest.Instruction, target, installRoot string, ti *taskIndex, st *progress.State) {
	key := ins.NewHash
	t := ti.upsert(key, func() *Task {
		return &Task{
			Key:          key,
			IsDelta:      false,
			BlobPath:     BlobPath(installRoot, key),
			ExpectedSize: ins.FullReplaceSize,
			ExpectedHash: ins.CompressedHash,
		}
	}, st)
	ti.addEntry(t, PatchEntry{TargetPath: target, HasSource: false, TargetHash: ins.NewHash})
	st.AddTotalFiles(1)
}

func enqueueDelta(ins manifest.Instruction, target, installRoot string, ti *taskIndex, st *progress.State) {
	key := ins.NewHash + "_from_" + ins.OldHash
	t := ti.upsert(key, func() *Task {
		return &Task{
			Key:          key,
			IsDelta:      true,
			BlobPath:     BlobPath(installRoot, key),
			ExpectedSize: ins.DeltaSize,
			ExpectedHash: ins.DeltaHash,
		}
	}, st)
	ti.addEntry(t, PatchEntry{TargetPath: target, HasSource: true, TargetHash: ins.NewHash})
	st.AddTotalFiles(1)
}

// BlobPath returns the on-disk path for task t's blob under the
// installation's patcher/ staging directory.
func BlobPath(installRoot, key string) string {
	return filepath.Join(installRoot, "patcher", key)
}
