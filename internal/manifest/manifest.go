// Package manifest fetches and verifies the instructions manifest published
// alongside a release: a JSON array of per-file instructions naming the
// content a correctly updated installation must contain.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/renegade-patch/patchkit/internal/hashsum"
	"github.com/renegade-patch/patchkit/internal/mirror"
	"github.com/renegade-patch/patchkit/internal/patcherr"
)

// maxManifestAttempts bounds the manifest fetch loop at three mirrors,
// independent of how many mirrors are enabled.
const maxManifestAttempts = 3

// Instruction is one manifest entry describing the desired state of a
// single file relative to the installation root.
type Instruction struct {
	Path            string
	OldHash         string // empty means absent (file is new or should not exist)
	NewHash         string // empty means absent (deletion candidate, see DESIGN.md)
	CompressedHash  string
	DeltaHash       string
	FullReplaceSize int64
	DeltaSize       int64
	HasDelta        bool
}

type wireInstruction struct {
	Path            string `json:"Path"`
	OldHash         string `json:"OldHash"`
	NewHash         string `json:"NewHash"`
	CompressedHash  string `json:"CompressedHash"`
	DeltaHash       string `json:"DeltaHash"`
	FullReplaceSize int64  `json:"FullReplaceSize"`
	DeltaSize       int64  `json:"DeltaSize"`
	HasDelta        bool   `json:"HasDelta"`
}

// Load fetches the instructions manifest from the registry's ranked
// mirrors, trying up to three in sequence. Each candidate blob is hashed
// and compared against reg.InstructionsHash(); a mismatch removes that
// mirror from the registry (cumulatively, so later stages never revisit
// it) before the next attempt. Returns the parsed instruction list on the
// first verified match.
func Load(ctx context.Context, reg *mirror.Registry) ([]Instruction, error) {
	expected := reg.InstructionsHash()
	var lastErr error

	for attempt := 0; attempt < maxManifestAttempts; attempt++ {
		m, ok := reg.Pick(0) // always rank 0: a removed mirror falls out of rank entirely
		if !ok {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, patcherr.ErrNoMirrors
		}

		body, err := fetchManifestBody(ctx, reg, m)
		if err != nil {
			lastErr = &patcherr.MirrorError{Mirror: m.BaseURL, Op: "fetch-manifest", Err: err}
			slog.Warn("manifest fetch failed", "mirror", m.BaseURL, "attempt", attempt, "err", err)
			reg.Remove(m)
			continue
		}

		got := hashsum.Bytes(body)
		if !hashsum.Equal(got, expected) {
			lastErr = &patcherr.IntegrityError{Path: "instructions.json", Expected: expected, Actual: got}
			slog.Warn("manifest hash mismatch", "mirror", m.BaseURL, "attempt", attempt)
			reg.Remove(m)
			continue
		}

		instructions, err := parse(body)
		if err != nil {
			return nil, &patcherr.ProtocolError{Source: "instructions-manifest", Err: err}
		}
		return instructions, nil
	}

	if lastErr == nil {
		lastErr = patcherr.ErrNoMirrors
	}
	return nil, lastErr
}

// fetchManifestBody issues the manifest GET against m, manually requesting
// and decoding gzip: the shared client disables transport-level
// compression so mirror calibration sees exact Content-Length, so the
// manifest loader opts back in per-request.
func fetchManifestBody(ctx context.Context, reg *mirror.Registry, m *mirror.Mirror) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reg.ManifestURL(m), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := reg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

func parse(body []byte) ([]Instruction, error) {
	var wire []wireInstruction
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&wire); err != nil {
		return nil, err
	}
	out := make([]Instruction, len(wire))
	for i, w := range wire {
		out[i] = Instruction{
			Path:            strings.ReplaceAll(w.Path, "\\", "/"),
			OldHash:         w.OldHash,
			NewHash:         w.NewHash,
			CompressedHash:  w.CompressedHash,
			DeltaHash:       w.DeltaHash,
			FullReplaceSize: w.FullReplaceSize,
			DeltaSize:       w.DeltaSize,
			HasDelta:        w.HasDelta,
		}
	}
	return out, nil
}
