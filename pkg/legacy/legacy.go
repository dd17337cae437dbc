// Package legacy reads the single-directory layout the cost agent writes on a
// developer machine: scan.json plus one decisions-<id>.json per run. It is
// the fallback source for dashboard views that name no repository.
package legacy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/costguard/ledger/pkg/ledger"
)

// RepoName labels decisions read from the legacy directory.
const RepoName = "local"

// ErrNotFound is returned when the directory holds no scan.
var ErrNotFound = errors.New("legacy scan not found")

// Dir is a legacy data directory. An empty Path disables it.
type Dir struct {
	Path string
}

// Enabled reports whether a directory is configured.
func (d Dir) Enabled() bool { return d.Path != "" }

// Scan reads scan.json.
func (d Dir) Scan() (ledger.ScanSnapshot, error) {
	if !d.Enabled() {
		return ledger.ScanSnapshot{}, ErrNotFound
	}
	path := filepath.Join(d.Path, "scan.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ledger.ScanSnapshot{}, ErrNotFound
		}
		return ledger.ScanSnapshot{}, fmt.Errorf("read legacy scan: %w", err)
	}
	s, err := ledger.DecodeScan(raw)
	if err != nil {
		return ledger.ScanSnapshot{}, fmt.Errorf("legacy scan %s: %w", path, err)
	}
	return s, nil
}

// Decisions reads every decisions-*.json. The timestamp is always the file's
// modification time and there is never a pull request link. Unreadable files
// are left out; skipped counts them.
func (d Dir) Decisions() (records []ledger.DecisionRecord, skipped int, err error) {
	if !d.Enabled() {
		return nil, 0, nil
	}
	dirents, err := os.ReadDir(d.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("list legacy decisions: %w", err)
	}
	names := make([]string, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "decisions-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(d.Path, name)
		info, err := os.Stat(path)
		if err != nil {
			skipped++
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			skipped++
			continue
		}
		rec, err := ledger.DecodeDecision(raw)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, ledger.DecisionRecord{
			ScanID:          strings.TrimSuffix(strings.TrimPrefix(name, "decisions-"), ".json"),
			RepoFullName:    RepoName,
			Timestamp:       info.ModTime().UTC(),
			TotalSavingsUSD: rec.TotalSavingsUSD,
			ActionsApplied:  rec.ActionsApplied,
			Summary:         rec.Summary,
		})
	}
	return records, skipped, nil
}
