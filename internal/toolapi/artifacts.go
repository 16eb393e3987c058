package toolapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/vectorops/convoy/internal/mission"
	"github.com/vectorops/convoy/internal/types"
)

const (
	// DefaultMaxArtifactFiles bounds how many files one read returns.
	DefaultMaxArtifactFiles = 20

	// DefaultMaxArtifactBytes bounds the total excerpt budget per read.
	DefaultMaxArtifactBytes = 64 * 1024

	// sniffLen is how much of a file is inspected to decide text vs binary.
	sniffLen = 512
)

// Artifact is one file found under a mission's result location.
type Artifact struct {
	// Path is relative to the result location.
	Path string `json:"path"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// IsText reports whether the file was recognized as text.
	IsText bool `json:"is_text"`

	// Excerpt is a bounded text excerpt; empty for binary files.
	Excerpt string `json:"excerpt,omitempty"`

	// Truncated is true when the excerpt is shorter than the file.
	Truncated bool `json:"truncated"`
}

// ArtifactsResult is the readResultArtifacts response envelope.
type ArtifactsResult struct {
	OK        bool       `json:"ok"`
	ResultRef string     `json:"result_ref,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// ReadResultArtifacts resolves a mission's result_ref against the
// filesystem and returns bounded text excerpts of the files under it.
// A workspace that no longer exists is a graceful failure, not a fatal one.
func (a *API) ReadResultArtifacts(ctx context.Context, missionID string, maxFiles int, maxBytes int64) (result ArtifactsResult) {
	defer a.recoverInto(&result.OK, &result.Error, mission.ErrLookupFailed)

	id, err := types.ParseID(missionID)
	if err != nil {
		return ArtifactsResult{Error: errorInfo(mission.NewValidationError(err.Error()), mission.ErrLookupFailed)}
	}

	m, err := a.store.Get(ctx, id)
	if err != nil {
		return ArtifactsResult{Error: errorInfo(err, mission.ErrLookupFailed)}
	}

	if m.ResultRef == "" {
		return ArtifactsResult{Error: &ErrorInfo{
			Code:    string(mission.ErrArtifactLocationUnavailable),
			Message: fmt.Sprintf("mission %s has no result location (status %s)", missionID, m.Status),
		}}
	}

	root := resolveResultRef(m.ResultRef)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return ArtifactsResult{Error: &ErrorInfo{
			Code:    string(mission.ErrArtifactWorkspaceMissing),
			Message: fmt.Sprintf("result location %s no longer resolves", m.ResultRef),
		}}
	}

	if maxFiles <= 0 {
		maxFiles = DefaultMaxArtifactFiles
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxArtifactBytes
	}

	artifacts, err := collectArtifacts(root, maxFiles, maxBytes)
	if err != nil {
		return ArtifactsResult{Error: errorInfo(
			mission.WrapMissionError(mission.ErrLookupFailed, "failed to read artifacts", err),
			mission.ErrLookupFailed)}
	}

	return ArtifactsResult{OK: true, ResultRef: m.ResultRef, Artifacts: artifacts}
}

// resolveResultRef maps a result_ref URI to a filesystem path.
func resolveResultRef(ref string) string {
	return strings.TrimPrefix(ref, "file://")
}

// collectArtifacts walks the result location in deterministic path order,
// excerpting text files until either bound is hit.
func collectArtifacts(root string, maxFiles int, maxBytes int64) ([]Artifact, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	artifacts := make([]Artifact, 0, maxFiles)
	budget := maxBytes

	for _, path := range paths {
		if len(artifacts) >= maxFiles {
			break
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}

		artifact := Artifact{Path: rel, Size: info.Size()}

		if budget > 0 {
			excerpt, isText, truncated, err := excerptFile(path, budget)
			if err == nil && isText {
				artifact.IsText = true
				artifact.Excerpt = excerpt
				artifact.Truncated = truncated
				budget -= int64(len(excerpt))
			}
		}

		artifacts = append(artifacts, artifact)
	}

	return artifacts, nil
}

// excerptFile reads up to limit bytes of a file if it looks like text.
func excerptFile(path string, limit int64) (excerpt string, isText, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, false, err
	}
	defer f.Close()

	buf := make([]byte, limit+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", false, false, err
	}
	data := buf[:n]

	if !looksLikeText(data) {
		return "", false, false, nil
	}

	if int64(len(data)) > limit {
		data = data[:limit]
		// Do not cut a multi-byte rune in half.
		for i := 0; i < utf8.UTFMax-1 && len(data) > 0; i++ {
			if r, _ := utf8.DecodeLastRune(data); r != utf8.RuneError {
				break
			}
			data = data[:len(data)-1]
		}
		return string(data), true, true, nil
	}
	return string(data), true, false, nil
}

// looksLikeText sniffs the leading bytes for NUL or invalid UTF-8.
func looksLikeText(data []byte) bool {
	sniff := data
	if len(sniff) > sniffLen {
		sniff = sniff[:sniffLen]
	}
	if len(sniff) == 0 {
		return true
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return false
	}
	// The sniff window may end mid-rune; trim to a rune boundary first.
	for len(sniff) > 0 && !utf8.Valid(sniff) {
		sniff = sniff[:len(sniff)-1]
	}
	return len(sniff) > 0
}
