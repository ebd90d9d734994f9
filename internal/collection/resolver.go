// Package collection resolves authoritative collection labels and matches
// collection inventories against label files on archive storage.
package collection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/sbn-survey/cs-harvester/internal/pds4"
)

// Candidate pairs a label with the file it was read from.
type Candidate struct {
	Path  string
	Label *pds4.Label
}

// NoCollectionFoundError reports that no collection-class label was found
// among the candidates.
type NoCollectionFoundError struct {
	Location string
}

func (e NoCollectionFoundError) Error() string {
	return fmt.Sprintf("no collection label found at %s", e.Location)
}

// AmbiguousVersionError reports two candidate collection labels with equal
// maximum version. Resolution fails rather than picking one arbitrarily.
type AmbiguousVersionError struct {
	Version string
	Paths   []string
}

func (e AmbiguousVersionError) Error() string {
	return fmt.Sprintf("ambiguous collection version %s: %s", e.Version, strings.Join(e.Paths, ", "))
}

// IncompleteInventoryError reports inventory identifiers for which no label
// file was found during a strict match.
type IncompleteInventoryError struct {
	Missing []string
}

func (e IncompleteInventoryError) Error() string {
	missing := append([]string(nil), e.Missing...)
	sort.Strings(missing)
	return fmt.Sprintf("not all inventory LIDVIDs were found: %s", strings.Join(missing, ", "))
}

// ResolveLatest returns the candidate collection label with the highest
// version. Version identifiers are compared structurally, release segment by
// release segment, so "10.0" sorts above "2.0". Candidates that are not
// collection-class labels are skipped; if none remain, resolution fails with
// NoCollectionFoundError. Equal maximum versions fail with
// AmbiguousVersionError.
func ResolveLatest(location string, candidates []Candidate) (Candidate, error) {
	var (
		latest     Candidate
		maxVersion *semver.Version
		tiedPaths  []string
	)

	for _, c := range candidates {
		if !c.Label.IsCollection() {
			continue
		}
		version, err := semver.NewVersion(c.Label.LIDVID.VID())
		if err != nil {
			return Candidate{}, fmt.Errorf("%s: collection version %q: %w", c.Path, c.Label.LIDVID.VID(), err)
		}

		switch {
		case maxVersion == nil || version.GreaterThan(maxVersion):
			latest = c
			maxVersion = version
			tiedPaths = []string{c.Path}
		case version.Equal(maxVersion):
			tiedPaths = append(tiedPaths, c.Path)
		}
	}

	if maxVersion == nil {
		return Candidate{}, NoCollectionFoundError{Location: location}
	}
	if len(tiedPaths) > 1 {
		return Candidate{}, AmbiguousVersionError{Version: maxVersion.Original(), Paths: tiedPaths}
	}
	return latest, nil
}
