// Package pds4 decodes the subset of PDS4 label and inventory files the
// harvester needs: identification, observation timing, imaging fields, and
// survey geometry.
package pds4

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/sbn-survey/cs-harvester/internal/lidvid"
)

// Product classes the harvester distinguishes.
const (
	ClassCollection    = "Product_Collection"
	ClassObservational = "Product_Observational"
)

// Corner is one survey image corner position in equatorial degrees.
type Corner struct {
	Name string
	RA   float64
	Dec  float64
}

// Standard corner order used when assembling a field of view.
var cornerOrder = [4]string{"Top Left", "Top Right", "Bottom Right", "Bottom Left"}

// Label is a decoded PDS4 label, reduced to the fields the harvester reads.
type Label struct {
	LIDVID       lidvid.LIDVID
	ProductClass string

	StartTime time.Time
	StopTime  time.Time
	Exposure  float64
	Filter    string
	FieldID   string
	Maglimit  *float64

	Corners     []Corner
	DerivedLIDs []string
}

// xmlLabel mirrors the label document structure. Element matching is by
// local name, so the img: and survey: namespace prefixes do not appear here.
type xmlLabel struct {
	XMLName        xml.Name
	Identification struct {
		LogicalIdentifier string `xml:"logical_identifier"`
		VersionID         string `xml:"version_id"`
		ProductClass      string `xml:"product_class"`
	} `xml:"Identification_Area"`
	Observation *struct {
		StartDateTime string `xml:"Time_Coordinates>start_date_time"`
		StopDateTime  string `xml:"Time_Coordinates>stop_date_time"`
		Discipline    struct {
			Imaging *struct {
				ExposureDuration float64 `xml:"Exposure>exposure_duration"`
				FilterName       string  `xml:"Optical_Filter>filter_name"`
			} `xml:"Imaging"`
			Survey *struct {
				FieldID string `xml:"field_id"`
				Corners []struct {
					Identification string  `xml:"corner_identification"`
					RA             float64 `xml:"Coordinate>right_ascension"`
					Dec            float64 `xml:"Coordinate>declination"`
				} `xml:"Image_Corners>Corner_Position"`
				LimitingMagnitude *float64 `xml:"Limiting_Magnitudes>N_Sigma_Limit>limiting_magnitude"`
			} `xml:"Survey"`
		} `xml:"Discipline_Area"`
	} `xml:"Observation_Area"`
	References []struct {
		LIDReference  string `xml:"lid_reference"`
		ReferenceType string `xml:"reference_type"`
	} `xml:"Reference_List>Internal_Reference"`
}

// ParseLabel decodes a PDS4 label document.
func ParseLabel(data []byte) (*Label, error) {
	var doc xmlLabel
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding label: %w", err)
	}

	lv, err := lidvid.FromParts(doc.Identification.LogicalIdentifier, doc.Identification.VersionID)
	if err != nil {
		return nil, err
	}

	label := &Label{
		LIDVID:       lv,
		ProductClass: doc.Identification.ProductClass,
	}

	for _, ref := range doc.References {
		if ref.ReferenceType == "data_to_derived_product" {
			label.DerivedLIDs = append(label.DerivedLIDs, ref.LIDReference)
		}
	}

	obs := doc.Observation
	if obs == nil {
		return label, nil
	}

	if obs.StartDateTime != "" {
		if label.StartTime, err = parseLabelTime(obs.StartDateTime); err != nil {
			return nil, fmt.Errorf("%s: start_date_time: %w", lv, err)
		}
	}
	if obs.StopDateTime != "" {
		if label.StopTime, err = parseLabelTime(obs.StopDateTime); err != nil {
			return nil, fmt.Errorf("%s: stop_date_time: %w", lv, err)
		}
	}

	if img := obs.Discipline.Imaging; img != nil {
		label.Exposure = img.ExposureDuration
		label.Filter = img.FilterName
	}

	if survey := obs.Discipline.Survey; survey != nil {
		label.FieldID = survey.FieldID
		label.Maglimit = survey.LimitingMagnitude
		for _, c := range survey.Corners {
			label.Corners = append(label.Corners, Corner{
				Name: c.Identification,
				RA:   c.RA,
				Dec:  c.Dec,
			})
		}
	}

	return label, nil
}

// ReadLabel reads and decodes a label file.
func ReadLabel(path string) (*Label, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	label, err := ParseLabel(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return label, nil
}

// IsCollection reports whether the label declares a Product_Collection.
func (l *Label) IsCollection() bool {
	return l.ProductClass == ClassCollection
}

// FOV returns the four image corners in Top Left, Top Right, Bottom Right,
// Bottom Left order. An error is returned if any named corner is missing.
func (l *Label) FOV() ([4]Corner, error) {
	var fov [4]Corner
	for i, name := range cornerOrder {
		found := false
		for _, c := range l.Corners {
			if c.Name == name {
				fov[i] = c
				found = true
				break
			}
		}
		if !found {
			return fov, fmt.Errorf("%s: missing image corner %q", l.LIDVID, name)
		}
	}
	return fov, nil
}

// MJDStart returns the observation start as a modified Julian date.
func (l *Label) MJDStart() float64 { return timeToMJD(l.StartTime) }

// MJDStop returns the observation stop as a modified Julian date.
func (l *Label) MJDStop() float64 { return timeToMJD(l.StopTime) }

// timeToMJD converts a time to a modified Julian date. MJD 40587.0 is
// 1970-01-01T00:00:00 UTC.
func timeToMJD(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano())/1e9/86400.0 + 40587.0
}

// labelTimeLayouts covers the date-time forms that appear in survey labels:
// RFC 3339 with and without fractional seconds, and zone-less UTC variants.
var labelTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseLabelTime(s string) (time.Time, error) {
	for _, layout := range labelTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date-time %q", s)
}
