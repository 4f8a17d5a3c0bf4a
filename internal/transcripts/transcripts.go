// Package transcripts backs GET /api/cc/sessions: scanning a
// host-provided state directory for recent agent transcript files.
// POST /api/cc/resume is handled in the HTTP layer, which hands the
// request's projectPath to the Host through the command bridge.
package transcripts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Summary is one scanned transcript, capped and sorted by recency.
type Summary struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updatedAt"`
}

const maxSummaries = 20

type Scanner struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scanner {
	return &Scanner{logger: logger}
}

// Scan walks stateDir for *.json transcript files (one directory per
// project, mirroring a Claude-style `~/.claude/projects` layout),
// returning up to maxSummaries, most-recently-modified first.
func (s *Scanner) Scan(stateDir string) ([]Summary, error) {
	if stateDir == "" {
		return nil, nil
	}

	resolved, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, fmt.Errorf("invalid state dir: %w", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate

	err = filepath.WalkDir(resolved, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entry; skip rather than abort the scan
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		candidates = append(candidates, candidate{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan state dir: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	if len(candidates) > maxSummaries {
		candidates = candidates[:maxSummaries]
	}

	out := make([]Summary, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Summary{
			ID:        transcriptID(c.path),
			Path:      c.path,
			Title:     summarizeTitle(c.path),
			UpdatedAt: c.modTime.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

func transcriptID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// summarizeTitle reads the first line of a transcript file, if it
// looks like a JSON object with a "summary" or "title" field;
// otherwise falls back to the file name.
func summarizeTitle(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return transcriptID(path)
	}

	firstLine := data
	if idx := strings.IndexByte(string(data), '\n'); idx >= 0 {
		firstLine = data[:idx]
	}

	var probe struct {
		Summary string `json:"summary"`
		Title   string `json:"title"`
	}
	if err := json.Unmarshal(firstLine, &probe); err == nil {
		if probe.Summary != "" {
			return probe.Summary
		}
		if probe.Title != "" {
			return probe.Title
		}
	}
	return transcriptID(path)
}

// ProjectPathFor derives the workspace-root directory a resume
// request should open, from a transcript's absolute file path — the
// immediate parent directory, mirroring per-project transcript
// layouts.
func ProjectPathFor(transcriptPath string) string {
	return filepath.Dir(transcriptPath)
}
