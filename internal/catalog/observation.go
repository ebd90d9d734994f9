// Package catalog models harvested observation records and writes them to
// the downstream survey catalog.
package catalog

import (
	"fmt"
	"strings"

	"github.com/sbn-survey/cs-harvester/internal/lidvid"
	"github.com/sbn-survey/cs-harvester/internal/pds4"
)

// SourceClass identifies the survey (and station, where relevant) an
// observation came from. It selects the catalog's observation subtype.
type SourceClass string

const (
	SourceUnknown SourceClass = "unknown"

	SourceATLASMaunaLoa   SourceClass = "atlas_mauna_loa"
	SourceATLASHaleakela  SourceClass = "atlas_haleakela"
	SourceATLASSutherland SourceClass = "atlas_sutherland"
	SourceATLASRioHurtado SourceClass = "atlas_rio_hurtado"

	SourceSpacewatch SourceClass = "spacewatch"

	SourceCatalinaBigelow SourceClass = "catalina_bigelow"
	SourceCatalinaLemmon  SourceClass = "catalina_lemmon"
	SourceCatalinaBok     SourceClass = "catalina_bokneosurvey"
)

// sourceKey is a (bundle, telescope code) pair. The telescope code is a
// product-id prefix; an empty code matches the whole bundle.
type sourceKey struct {
	bundle    string
	telescope string
}

// sourceTable maps known (bundle, telescope code) pairs to source classes.
// ATLAS encodes the station in the first two characters of the product id;
// Catalina in the first three. Combinations not listed here classify as
// SourceUnknown rather than failing.
var sourceTable = map[sourceKey]SourceClass{
	{"gbo.ast.atlas.survey", "01"}: SourceATLASMaunaLoa,
	{"gbo.ast.atlas.survey", "02"}: SourceATLASHaleakela,
	{"gbo.ast.atlas.survey", "03"}: SourceATLASSutherland,
	{"gbo.ast.atlas.survey", "04"}: SourceATLASRioHurtado,

	{"gbo.ast.spacewatch.survey", ""}: SourceSpacewatch,

	{"gbo.ast.catalina.survey", "703"}: SourceCatalinaBigelow,
	{"gbo.ast.catalina.survey", "g96"}: SourceCatalinaLemmon,
	{"gbo.ast.catalina.survey", "v00"}: SourceCatalinaBok,
}

// Classify resolves the source class for a product identifier. Lookups try
// the three-character and two-character telescope prefixes, then the bare
// bundle. Unknown combinations return SourceUnknown.
func Classify(lv lidvid.LIDVID) SourceClass {
	bundle, err := lv.Bundle()
	if err != nil {
		return SourceUnknown
	}

	productID, err := lv.ProductID()
	if err != nil {
		productID = ""
	}
	productID = strings.ToLower(productID)

	for _, n := range []int{3, 2} {
		if len(productID) < n {
			continue
		}
		if class, ok := sourceTable[sourceKey{bundle, productID[:n]}]; ok {
			return class
		}
	}
	if class, ok := sourceTable[sourceKey{bundle, ""}]; ok {
		return class
	}
	return SourceUnknown
}

// Observation is one harvested metadata record, ready for the catalog.
type Observation struct {
	ProductID string // logical identifier
	Source    SourceClass
	MJDStart  float64
	MJDStop   float64
	Exposure  float64 // seconds
	Filter    string
	Maglimit  *float64
	FOV       [4]pds4.Corner
	FieldID   string
	Diff      bool // a derived difference image exists
}

// FOVString renders the field of view as comma-separated "ra:dec" corner
// pairs in degrees, the catalog's polygon encoding.
func (o Observation) FOVString() string {
	pairs := make([]string, len(o.FOV))
	for i, c := range o.FOV {
		pairs[i] = fmt.Sprintf("%.6f:%.6f", c.RA, c.Dec)
	}
	return strings.Join(pairs, ",")
}
