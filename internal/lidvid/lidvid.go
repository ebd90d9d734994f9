// Package lidvid implements the PDS4 logical identifier + version identifier
// (LIDVID) value type used throughout the harvester.
package lidvid

import (
	"fmt"
	"strings"
)

// Namespace is the required prefix of every PDS4 logical identifier.
const Namespace = "urn:nasa:pds"

// versionDelimiter separates the logical identifier from the version
// identifier in a LIDVID string.
const versionDelimiter = "::"

// InvalidIdentifierError reports a string that could not be parsed as a
// LIDVID at all: wrong namespace, or not exactly one "::" delimiter.
type InvalidIdentifierError struct {
	Value  string
	Reason string
}

func (e InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid PDS4 identifier %q: %s", e.Value, e.Reason)
}

// MalformedIdentifierError reports a syntactically valid LIDVID whose logical
// identifier has too few colon-delimited segments for the requested accessor.
type MalformedIdentifierError struct {
	Value   string
	Segment string
}

func (e MalformedIdentifierError) Error() string {
	return fmt.Sprintf("malformed PDS4 identifier %q: no %s segment", e.Value, e.Segment)
}

// LIDVID is an immutable PDS4 product or collection identifier.
//
// The string form is "<namespace>:...:<bundle>:<collection>:<product_id>::<version>".
// Two LIDVIDs are equal iff both the logical identifier and the version
// identifier match exactly, so the type is directly comparable.
type LIDVID struct {
	lid string
	vid string
}

// Parse parses a full "lid::vid" string.
func Parse(s string) (LIDVID, error) {
	parts := strings.Split(s, versionDelimiter)
	if len(parts) != 2 {
		return LIDVID{}, InvalidIdentifierError{Value: s, Reason: "expected exactly one \"::\" delimiter"}
	}
	return FromParts(parts[0], parts[1])
}

// FromParts builds a LIDVID from a separately supplied logical identifier and
// version identifier, applying the same validation as Parse.
func FromParts(lid, vid string) (LIDVID, error) {
	if !strings.HasPrefix(lid, Namespace) {
		return LIDVID{}, InvalidIdentifierError{
			Value:  lid,
			Reason: fmt.Sprintf("logical identifier must start with %q", Namespace),
		}
	}
	if vid == "" {
		return LIDVID{}, InvalidIdentifierError{Value: lid, Reason: "empty version identifier"}
	}
	if strings.Contains(vid, ":") {
		return LIDVID{}, InvalidIdentifierError{Value: lid + versionDelimiter + vid, Reason: "version identifier contains a colon"}
	}
	return LIDVID{lid: lid, vid: vid}, nil
}

// String returns the canonical "lid::vid" form.
func (l LIDVID) String() string {
	return l.lid + versionDelimiter + l.vid
}

// LID returns the logical identifier.
func (l LIDVID) LID() string { return l.lid }

// VID returns the version identifier.
func (l LIDVID) VID() string { return l.vid }

// IsZero reports whether l is the zero value.
func (l LIDVID) IsZero() bool { return l.lid == "" && l.vid == "" }

// segment returns the nth colon-delimited segment of the logical identifier.
func (l LIDVID) segment(n int, name string) (string, error) {
	parts := strings.Split(l.lid, ":")
	if len(parts) <= n {
		return "", MalformedIdentifierError{Value: l.String(), Segment: name}
	}
	return parts[n], nil
}

// Bundle returns the bundle segment of the logical identifier,
// e.g. "gbo.ast.atlas.survey".
func (l LIDVID) Bundle() (string, error) {
	return l.segment(3, "bundle")
}

// Collection returns the collection segment of the logical identifier.
func (l LIDVID) Collection() (string, error) {
	return l.segment(4, "collection")
}

// ProductID returns the product segment of the logical identifier.
func (l LIDVID) ProductID() (string, error) {
	return l.segment(5, "product_id")
}
