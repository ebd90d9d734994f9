package harvest

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sbn-survey/cs-harvester/internal/catalog"
	"github.com/sbn-survey/cs-harvester/internal/pds4"
)

// ItemError wraps a failure confined to one label file. Item errors are
// counted against the run and skipped; anything else aborts the run.
type ItemError struct {
	Path string
	Err  error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("processing %s: %s", e.Path, e.Err.Error())
}

func (e ItemError) Unwrap() error { return e.Err }

// buildObservation converts a decoded observational label into a catalog
// record. Labels missing required metadata (timing, imaging, or the four
// image corners) fail here and are counted as item errors by the caller.
func buildObservation(label *pds4.Label) (catalog.Observation, error) {
	if label.ProductClass != pds4.ClassObservational {
		return catalog.Observation{}, fmt.Errorf("%s: unexpected product class %q", label.LIDVID, label.ProductClass)
	}
	if label.StartTime.IsZero() || label.StopTime.IsZero() {
		return catalog.Observation{}, fmt.Errorf("%s: missing observation time coordinates", label.LIDVID)
	}
	if label.Filter == "" {
		return catalog.Observation{}, fmt.Errorf("%s: missing imaging filter name", label.LIDVID)
	}

	fov, err := label.FOV()
	if err != nil {
		return catalog.Observation{}, err
	}

	return catalog.Observation{
		ProductID: label.LIDVID.LID(),
		Source:    catalog.Classify(label.LIDVID),
		MJDStart:  label.MJDStart(),
		MJDStop:   label.MJDStop(),
		Exposure:  label.Exposure,
		Filter:    label.Filter,
		Maglimit:  label.Maglimit,
		FOV:       fov,
		FieldID:   label.FieldID,
		Diff:      hasDerivedDiff(label),
	}, nil
}

// hasDerivedDiff reports whether the label references a derived difference
// image for its own product. The convention pairs a ".fits" product with a
// ".diff" product under the same identifier stem.
func hasDerivedDiff(label *pds4.Label) bool {
	lid := label.LIDVID.LID()
	if !strings.HasSuffix(lid, ".fits") {
		return false
	}
	want := strings.TrimSuffix(lid, ".fits") + ".diff"
	return slices.Contains(label.DerivedLIDs, want)
}

// filterBySuffix keeps the identifiers whose LID part ends with one of the
// configured suffixes. Inventories list every member of a collection; only
// the configured product kinds are harvested.
func filterBySuffix(ids []string, suffixes []string) []string {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		lid := id
		if i := strings.Index(id, "::"); i >= 0 {
			lid = id[:i]
		}
		for _, suffix := range suffixes {
			if strings.HasSuffix(lid, suffix) {
				kept = append(kept, id)
				break
			}
		}
	}
	return kept
}
