package collection

// Diff returns the identifiers present in current but absent from baseline,
// preserving the order of current. The diff is additions-only: identifiers
// removed between baseline and current are never surfaced, so a shrinking
// inventory produces no downstream action.
func Diff(current, baseline []string) []string {
	seen := make(map[string]struct{}, len(baseline))
	for _, id := range baseline {
		seen[id] = struct{}{}
	}

	added := []string{}
	for _, id := range current {
		if _, ok := seen[id]; !ok {
			added = append(added, id)
		}
	}
	return added
}
