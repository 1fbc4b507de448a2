package patch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/renegade-patch/patchkit/internal/hashsum"
	"github.com/renegade-patch/patchkit/internal/plan"
	"github.com/renegade-patch/patchkit/internal/progress"
)

// fakeDecoder stands in for xdelta3: it writes a fixed output, and can
// assert what it was called with.
type fakeDecoder struct {
	output       []byte
	sawSource    bool
	sawSourceVal string
	err          error
}

func (f *fakeDecoder) Decode(ctx context.Context, sourcePath string, hasSource bool, deltaPath, outputPath string) error {
	f.sawSource = hasSource
	f.sawSourceVal = sourcePath
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outputPath, f.output, 0o644)
}

func TestApplyFullReplaceNoSource(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	output := []byte("new content")
	hash := hashsum.Bytes(output)

	dec := &fakeDecoder{output: output}
	blob := filepath.Join(dir, "blob")
	if err := os.WriteFile(blob, []byte("blob bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	task := &plan.Task{
		BlobPath: blob,
		Entries:  []plan.PatchEntry{{TargetPath: target, HasSource: false, TargetHash: hash}},
	}
	var st progress.State
	if err := Apply(context.Background(), dec, task, &st); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if dec.sawSource {
		t.Fatal("expected hasSource=false for a full replacement")
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(output) {
		t.Fatal("target content mismatch")
	}
	if _, err := os.Stat(blob); !os.IsNotExist(err) {
		t.Fatal("expected blob to be deleted after a successful patch")
	}
	if st.Snapshot().PatchedFiles != 1 {
		t.Fatalf("PatchedFiles = %d, want 1", st.Snapshot().PatchedFiles)
	}
}

func TestApplyDeltaRenamesSourceBeforeDecode(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "existing.txt")
	if err := os.WriteFile(target, []byte("old content"), 0o644); err != nil {
		t.Fatal(err)
	}
	output := []byte("patched content")
	hash := hashsum.Bytes(output)

	dec := &fakeDecoder{output: output}
	blob := filepath.Join(dir, "blob")
	if err := os.WriteFile(blob, []byte("delta bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	task := &plan.Task{
		BlobPath: blob,
		Entries:  []plan.PatchEntry{{TargetPath: target, HasSource: true, TargetHash: hash}},
	}
	var st progress.State
	if err := Apply(context.Background(), dec, task, &st); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !dec.sawSource {
		t.Fatal("expected hasSource=true for a delta")
	}
	if dec.sawSourceVal != target+sourceSuffix {
		t.Fatalf("source path = %q, want %q", dec.sawSourceVal, target+sourceSuffix)
	}
	if _, err := os.Stat(target + sourceSuffix); !os.IsNotExist(err) {
		t.Fatal("expected the renamed source to be removed after a successful decode")
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(output) {
		t.Fatal("target content mismatch")
	}
}

func TestApplyHashMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	dec := &fakeDecoder{output: []byte("wrong bytes")}
	blob := filepath.Join(dir, "blob")
	if err := os.WriteFile(blob, []byte("delta"), 0o644); err != nil {
		t.Fatal(err)
	}

	task := &plan.Task{
		BlobPath: blob,
		Entries:  []plan.PatchEntry{{TargetPath: target, HasSource: false, TargetHash: "EXPECTEDHASH"}},
	}
	var st progress.State
	err := Apply(context.Background(), dec, task, &st)
	if err == nil {
		t.Fatal("expected a fatal integrity error on hash mismatch")
	}
	if st.Snapshot().PatchedFiles != 0 {
		t.Fatal("expected no credit for a failed patch")
	}
}

func TestApplyDecodeErrorLeavesSourceUnremoved(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "existing.txt")
	if err := os.WriteFile(target, []byte("old content"), 0o644); err != nil {
		t.Fatal(err)
	}
	dec := &fakeDecoder{err: os.ErrInvalid}
	blob := filepath.Join(dir, "blob")
	if err := os.WriteFile(blob, []byte("delta"), 0o644); err != nil {
		t.Fatal(err)
	}

	task := &plan.Task{
		BlobPath: blob,
		Entries:  []plan.PatchEntry{{TargetPath: target, HasSource: true, TargetHash: "X"}},
	}
	var st progress.State
	if err := Apply(context.Background(), dec, task, &st); err == nil {
		t.Fatal("expected the decode error to propagate")
	}
	if _, err := os.Stat(target + sourceSuffix); err != nil {
		t.Fatal("expected the rescued source to remain on disk after a failed decode")
	}
}
