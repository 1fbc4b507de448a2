// Command buildinstructions walks a built/staged release directory and
// produces the instructions.json manifest a patcher release serves,
// together with its own SHA-256 (the value published as
// release.game.instructions_hash).
//
// It only ever emits full-replace instructions: generating VCDIFF deltas
// against a previous release is a separate, offline concern (the VCDIFF
// encoder is not part of this system any more than the decoder is).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/renegade-patch/patchkit/internal/hashsum"
)

var (
	dirPath     string
	outPath     string
	hashWorkers int
	logFormat   string
	logLevel    string
)

func init() {
	flag.StringVar(&dirPath, "dir", "", "Release directory to hash (required)")
	flag.StringVar(&outPath, "out", "instructions.json", "Output path for the instructions manifest")
	flag.IntVar(&hashWorkers, "hash-workers", runtime.NumCPU(), "Concurrent file hashers")
	flag.StringVar(&logFormat, "log-format", "text", "Logging format: text|json")
	flag.StringVar(&logLevel, "log-level", "info", "Logging level: debug|info|warn|error")
	flag.Parse()

	var lvl slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error", "err":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	var handler slog.Handler
	if strings.EqualFold(logFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	if dirPath == "" {
		slog.Error("missing required flag -dir")
		os.Exit(2)
	}
}

// wireInstruction mirrors the field names internal/manifest expects on
// the wire: PascalCase, matching the published instructions.json schema.
type wireInstruction struct {
	Path            string `json:"Path"`
	NewHash         string `json:"NewHash"`
	CompressedHash  string `json:"CompressedHash"`
	FullReplaceSize int64  `json:"FullReplaceSize"`
	HasDelta        bool   `json:"HasDelta"`
}

func main() {
	start := time.Now()
	slog.Info("starting buildinstructions", "dir", dirPath)

	files, err := discover(dirPath)
	if err != nil {
		slog.Error("walking release directory", "err", err)
		os.Exit(1)
	}
	slog.Info("discovered files", "count", len(files))

	instructions, err := hashAll(files, dirPath, hashWorkers)
	if err != nil {
		slog.Error("hashing failed", "err", err)
		os.Exit(1)
	}

	body, err := json.MarshalIndent(instructions, "", "  ")
	if err != nil {
		slog.Error("marshaling instructions", "err", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, body, 0o644); err != nil {
		slog.Error("writing instructions file", "path", outPath, "err", err)
		os.Exit(1)
	}

	digest := hashsum.Bytes(body)
	slog.Info("instructions manifest written",
		"path", outPath,
		"files", len(instructions),
		"instructions_hash", digest,
		"elapsed", time.Since(start).String(),
	)
	fmt.Println(digest)
}

// discover returns every regular file under root, relative-path sorted for
// a deterministic instructions.json across repeated runs on the same tree.
func discover(root string) ([]string, error) {
	var rel []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		r, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = append(rel, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(rel)
	return rel, nil
}

// hashAll computes each file's SHA-256 with a bounded worker pool. Every
// instruction is a full replacement: NewHash and CompressedHash are the
// same digest because an un-deltified blob is served byte-identical to
// the installed file.
func hashAll(relPaths []string, root string, workers int) ([]wireInstruction, error) {
	if workers < 1 {
		workers = 1
	}
	out := make([]wireInstruction, len(relPaths))
	errs := make([]error, len(relPaths))

	work := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				rel := relPaths[idx]
				full := filepath.Join(root, rel)
				info, err := os.Stat(full)
				if err != nil {
					errs[idx] = err
					continue
				}
				digest, err := hashsum.File(full)
				if err != nil {
					errs[idx] = err
					continue
				}
				out[idx] = wireInstruction{
					Path:            strings.ReplaceAll(rel, "\\", "/"),
					NewHash:         digest,
					CompressedHash:  digest,
					FullReplaceSize: info.Size(),
				}
			}
		}()
	}
	for i := range relPaths {
		work <- i
	}
	close(work)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", relPaths[i], err)
		}
	}
	return out, nil
}
