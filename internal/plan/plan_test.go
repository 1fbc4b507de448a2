package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/renegade-patch/patchkit/internal/hashsum"
	"github.com/renegade-patch/patchkit/internal/manifest"
	"github.com/renegade-patch/patchkit/internal/progress"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	h, err := hashsum.File(path)
	if err != nil {
		t.Fatalf("hash %s: %v", path, err)
	}
	return h
}

func TestBuildMissingFileFullReplace(t *testing.T) {
	root := t.TempDir()
	var st progress.State

	instructions := []manifest.Instruction{
		{Path: "new.txt", NewHash: "ABCD", CompressedHash: "CCCC", FullReplaceSize: 100},
	}
	p, err := Build(instructions, root, &st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(p.Tasks))
	}
	if p.Tasks[0].Key != "ABCD" || p.Tasks[0].IsDelta {
		t.Fatalf("unexpected task %+v", p.Tasks[0])
	}
	snap := st.Snapshot()
	if snap.TotalBytes != 100 || snap.TotalFiles != 1 {
		t.Fatalf("unexpected progress snapshot %+v", snap)
	}
	if !snap.FinishedHash {
		t.Fatal("expected FinishedHash to be set")
	}
}

func TestBuildUpToDateSkipsTask(t *testing.T) {
	root := t.TempDir()
	hash := writeFile(t, filepath.Join(root, "keep.txt"), "same content")

	instructions := []manifest.Instruction{
		{Path: "keep.txt", OldHash: hash, NewHash: hash, CompressedHash: "X", FullReplaceSize: 10},
	}
	var st progress.State
	p, err := Build(instructions, root, &st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Tasks) != 0 {
		t.Fatalf("expected 0 tasks, got %d", len(p.Tasks))
	}
	if p.UpToDate != 1 {
		t.Fatalf("expected UpToDate=1, got %d", p.UpToDate)
	}
}

func TestBuildDeltaWhenOldHashMatches(t *testing.T) {
	root := t.TempDir()
	oldHash := writeFile(t, filepath.Join(root, "patchme.txt"), "old bytes")

	instructions := []manifest.Instruction{
		{
			Path: "patchme.txt", OldHash: oldHash, NewHash: "NEWHASH",
			DeltaHash: "DELTAHASH", DeltaSize: 42, HasDelta: true,
		},
	}
	var st progress.State
	p, err := Build(instructions, root, &st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Tasks) != 1 || !p.Tasks[0].IsDelta {
		t.Fatalf("expected one delta task, got %+v", p.Tasks)
	}
	wantKey := "NEWHASH_from_" + oldHash
	if p.Tasks[0].Key != wantKey {
		t.Fatalf("key = %q, want %q", p.Tasks[0].Key, wantKey)
	}
	if !p.Tasks[0].Entries[0].HasSource {
		t.Fatal("expected HasSource=true for a delta entry")
	}
}

func TestBuildCorruptFileFullReplaceNotDelta(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "corrupt.txt"), "garbage bytes")

	instructions := []manifest.Instruction{
		{
			Path: "corrupt.txt", OldHash: "SOMETHING_ELSE", NewHash: "NEWHASH",
			CompressedHash: "CCCC", FullReplaceSize: 5,
			DeltaHash: "DELTAHASH", DeltaSize: 42, HasDelta: true,
		},
	}
	var st progress.State
	p, err := Build(instructions, root, &st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Tasks) != 1 || p.Tasks[0].IsDelta {
		t.Fatalf("expected one full-replace task for a corrupt file, got %+v", p.Tasks)
	}
}

func TestBuildDeduplicatesSharedNewHash(t *testing.T) {
	root := t.TempDir()
	instructions := []manifest.Instruction{
		{Path: "a.txt", NewHash: "SAME", CompressedHash: "C", FullReplaceSize: 1000},
		{Path: "b.txt", NewHash: "SAME", CompressedHash: "C", FullReplaceSize: 1000},
	}
	var st progress.State
	p, err := Build(instructions, root, &st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Tasks) != 1 {
		t.Fatalf("expected 1 deduplicated task, got %d", len(p.Tasks))
	}
	if len(p.Tasks[0].Entries) != 2 {
		t.Fatalf("expected 2 patch entries sharing the task, got %d", len(p.Tasks[0].Entries))
	}
	snap := st.Snapshot()
	if snap.TotalBytes != 1000 {
		t.Fatalf("expected total_bytes counted once (1000), got %d", snap.TotalBytes)
	}
	if snap.TotalFiles != 2 {
		t.Fatalf("expected total_files = 2, got %d", snap.TotalFiles)
	}
}

func TestBuildUpToDateWithNoOldHash(t *testing.T) {
	root := t.TempDir()
	hash := writeFile(t, filepath.Join(root, "keep.txt"), "same content")

	instructions := []manifest.Instruction{
		{Path: "keep.txt", NewHash: hash, CompressedHash: "X", FullReplaceSize: 10},
	}
	var st progress.State
	p, err := Build(instructions, root, &st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Tasks) != 0 {
		t.Fatalf("expected 0 tasks for a file already matching new_hash, got %d", len(p.Tasks))
	}
	if p.UpToDate != 1 {
		t.Fatalf("expected UpToDate=1, got %d", p.UpToDate)
	}
}

func TestBuildDeletionIgnored(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "stale.txt"), "should stay per current behavior")

	instructions := []manifest.Instruction{
		{Path: "stale.txt", OldHash: "whatever"},
	}
	var st progress.State
	p, err := Build(instructions, root, &st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Tasks) != 0 {
		t.Fatalf("expected no tasks for a deletion instruction, got %d", len(p.Tasks))
	}
	if p.Skipped != 1 {
		t.Fatalf("expected Skipped=1, got %d", p.Skipped)
	}
	if _, err := os.Stat(filepath.Join(root, "stale.txt")); err != nil {
		t.Fatal("expected the file to remain on disk, deletions are ignored")
	}
}

func TestBuildMissingWithNoNewHashIsNoop(t *testing.T) {
	root := t.TempDir()
	instructions := []manifest.Instruction{
		{Path: "nonexistent.txt"},
	}
	var st progress.State
	p, err := Build(instructions, root, &st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Tasks) != 0 || p.Skipped != 1 {
		t.Fatalf("expected a pure no-op, got tasks=%d skipped=%d", len(p.Tasks), p.Skipped)
	}
}
