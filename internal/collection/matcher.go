package collection

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sbn-survey/cs-harvester/internal/pds4"
)

// LabelOpener reads and decodes the label at path. It is satisfied by
// pds4.ReadLabel and by fetch-backed readers.
type LabelOpener func(path string) (*pds4.Label, error)

// Match pairs an inventory identifier with the label file that carries it.
type Match struct {
	Path  string
	Label *pds4.Label
}

// Matcher resolves inventory identifiers to label files. It owns a lazily
// populated per-directory cache of case-insensitive filename lookups; the
// directory contents are assumed stable for the life of a run.
type Matcher struct {
	open     LabelOpener
	logger   zerolog.Logger
	dirCache map[string]map[string]string
}

// NewMatcher constructs a Matcher reading labels through open.
func NewMatcher(open LabelOpener, logger zerolog.Logger) *Matcher {
	return &Matcher{
		open:     open,
		logger:   logger,
		dirCache: make(map[string]map[string]string),
	}
}

// Resolve maps path to an existing file, matching the final path element
// case-insensitively against the directory contents. The second return is
// false when no entry matches.
func (m *Matcher) Resolve(path string) (string, bool) {
	dir, name := filepath.Split(path)
	dir = filepath.Clean(dir)

	entries, ok := m.dirCache[dir]
	if !ok {
		listing, err := os.ReadDir(dir)
		if err != nil {
			// Not cached: a transient listing failure must not pin every
			// later lookup in this directory to "not found".
			m.logger.Warn().Err(err).Str("dir", dir).Msg("matcher: directory listing failed")
			return "", false
		}
		entries = make(map[string]string, len(listing))
		for _, entry := range listing {
			entries[strings.ToLower(entry.Name())] = entry.Name()
		}
		m.dirCache[dir] = entries
	}

	actual, ok := entries[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return filepath.Join(dir, actual), true
}

// MatchInventory scans every candidate label file once and yields a Match for
// each file whose LIDVID is in required. Identifier comparison is exact; only
// the filesystem lookup is case-insensitive. In strict mode any required
// identifier left unmatched after the scan fails with
// IncompleteInventoryError listing every missing identifier.
func (m *Matcher) MatchInventory(required []string, candidates []string, strict bool) ([]Match, error) {
	remaining := make(map[string]struct{}, len(required))
	for _, id := range required {
		remaining[id] = struct{}{}
	}

	var matches []Match
	for _, path := range candidates {
		label, err := m.open(path)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("matcher: skipping unreadable label")
			continue
		}
		id := label.LIDVID.String()
		if _, ok := remaining[id]; !ok {
			continue
		}
		delete(remaining, id)
		matches = append(matches, Match{Path: path, Label: label})
	}

	if strict && len(remaining) > 0 {
		missing := make([]string, 0, len(remaining))
		for id := range remaining {
			missing = append(missing, id)
		}
		return nil, IncompleteInventoryError{Missing: missing}
	}
	return matches, nil
}
