package pds4

import (
	"math"
	"strings"
	"testing"
	"time"
)

const atlasLabel = `<?xml version="1.0" encoding="UTF-8"?>
<Product_Observational xmlns="http://pds.nasa.gov/pds4/pds/v1"
    xmlns:img="http://pds.nasa.gov/pds4/img/v1"
    xmlns:survey="http://pds.nasa.gov/pds4/survey/v1">
  <Identification_Area>
    <logical_identifier>urn:nasa:pds:gbo.ast.atlas.survey:59613:01a59613o0586o_fits</logical_identifier>
    <version_id>1.0</version_id>
    <product_class>Product_Observational</product_class>
  </Identification_Area>
  <Observation_Area>
    <Time_Coordinates>
      <start_date_time>2022-01-01T10:00:00Z</start_date_time>
      <stop_date_time>2022-01-01T10:00:30Z</stop_date_time>
    </Time_Coordinates>
    <Discipline_Area>
      <img:Imaging>
        <img:Exposure>
          <img:exposure_duration unit="s">30.0</img:exposure_duration>
        </img:Exposure>
        <img:Optical_Filter>
          <img:filter_name>o</img:filter_name>
        </img:Optical_Filter>
      </img:Imaging>
      <survey:Survey>
        <survey:field_id>SV030N59</survey:field_id>
        <survey:Image_Corners>
          <survey:Corner_Position>
            <survey:corner_identification>Top Left</survey:corner_identification>
            <survey:Coordinate>
              <survey:right_ascension>120.1</survey:right_ascension>
              <survey:declination>10.1</survey:declination>
            </survey:Coordinate>
          </survey:Corner_Position>
          <survey:Corner_Position>
            <survey:corner_identification>Top Right</survey:corner_identification>
            <survey:Coordinate>
              <survey:right_ascension>125.4</survey:right_ascension>
              <survey:declination>10.2</survey:declination>
            </survey:Coordinate>
          </survey:Corner_Position>
          <survey:Corner_Position>
            <survey:corner_identification>Bottom Right</survey:corner_identification>
            <survey:Coordinate>
              <survey:right_ascension>125.5</survey:right_ascension>
              <survey:declination>4.9</survey:declination>
            </survey:Coordinate>
          </survey:Corner_Position>
          <survey:Corner_Position>
            <survey:corner_identification>Bottom Left</survey:corner_identification>
            <survey:Coordinate>
              <survey:right_ascension>120.2</survey:right_ascension>
              <survey:declination>4.8</survey:declination>
            </survey:Coordinate>
          </survey:Corner_Position>
        </survey:Image_Corners>
        <survey:Limiting_Magnitudes>
          <survey:N_Sigma_Limit>
            <survey:limiting_magnitude>19.5</survey:limiting_magnitude>
          </survey:N_Sigma_Limit>
        </survey:Limiting_Magnitudes>
      </survey:Survey>
    </Discipline_Area>
  </Observation_Area>
  <Reference_List>
    <Internal_Reference>
      <lid_reference>urn:nasa:pds:gbo.ast.atlas.survey:59613:01a59613o0586o_diff</lid_reference>
      <reference_type>data_to_derived_product</reference_type>
    </Internal_Reference>
  </Reference_List>
</Product_Observational>`

const collectionLabel = `<?xml version="1.0" encoding="UTF-8"?>
<Product_Collection xmlns="http://pds.nasa.gov/pds4/pds/v1">
  <Identification_Area>
    <logical_identifier>urn:nasa:pds:gbo.ast.atlas.survey:59613</logical_identifier>
    <version_id>2.0</version_id>
    <product_class>Product_Collection</product_class>
  </Identification_Area>
</Product_Collection>`

func TestParseLabel(t *testing.T) {
	t.Parallel()

	label, err := ParseLabel([]byte(atlasLabel))
	if err != nil {
		t.Fatal(err)
	}

	if got := label.LIDVID.String(); got != "urn:nasa:pds:gbo.ast.atlas.survey:59613:01a59613o0586o_fits::1.0" {
		t.Errorf("LIDVID = %q", got)
	}
	if label.IsCollection() {
		t.Error("IsCollection() = true for observational label")
	}
	if want := time.Date(2022, 1, 1, 10, 0, 0, 0, time.UTC); !label.StartTime.Equal(want) {
		t.Errorf("StartTime = %v, want %v", label.StartTime, want)
	}
	if label.Exposure != 30.0 {
		t.Errorf("Exposure = %v, want 30.0", label.Exposure)
	}
	if label.Filter != "o" {
		t.Errorf("Filter = %q, want o", label.Filter)
	}
	if label.FieldID != "SV030N59" {
		t.Errorf("FieldID = %q", label.FieldID)
	}
	if label.Maglimit == nil || *label.Maglimit != 19.5 {
		t.Errorf("Maglimit = %v, want 19.5", label.Maglimit)
	}
	if len(label.DerivedLIDs) != 1 || !strings.HasSuffix(label.DerivedLIDs[0], "_diff") {
		t.Errorf("DerivedLIDs = %v", label.DerivedLIDs)
	}
}

func TestLabelFOV(t *testing.T) {
	t.Parallel()

	label, err := ParseLabel([]byte(atlasLabel))
	if err != nil {
		t.Fatal(err)
	}

	fov, err := label.FOV()
	if err != nil {
		t.Fatal(err)
	}
	if fov[0].RA != 120.1 || fov[0].Dec != 10.1 {
		t.Errorf("Top Left = %+v", fov[0])
	}
	if fov[3].Name != "Bottom Left" {
		t.Errorf("fov[3].Name = %q, want Bottom Left", fov[3].Name)
	}

	label.Corners = label.Corners[:2]
	if _, err := label.FOV(); err == nil {
		t.Error("FOV() with missing corners: want error")
	}
}

func TestParseCollectionLabel(t *testing.T) {
	t.Parallel()

	label, err := ParseLabel([]byte(collectionLabel))
	if err != nil {
		t.Fatal(err)
	}
	if !label.IsCollection() {
		t.Error("IsCollection() = false for collection label")
	}
	if label.LIDVID.VID() != "2.0" {
		t.Errorf("VID = %q, want 2.0", label.LIDVID.VID())
	}
}

func TestParseLabelRejectsBadIdentifier(t *testing.T) {
	t.Parallel()

	bad := strings.Replace(atlasLabel, "urn:nasa:pds:", "urn:other:pds:", 1)
	if _, err := ParseLabel([]byte(bad)); err == nil {
		t.Error("ParseLabel with non-PDS namespace: want error")
	}
}

func TestMJDConversion(t *testing.T) {
	t.Parallel()

	label, err := ParseLabel([]byte(atlasLabel))
	if err != nil {
		t.Fatal(err)
	}

	// 2022-01-01T10:00:00Z is MJD 59580 + 10/24.
	want := 59580.0 + 10.0/24.0
	if got := label.MJDStart(); math.Abs(got-want) > 1e-9 {
		t.Errorf("MJDStart = %v, want %v", got, want)
	}
	if got := label.MJDStop() - label.MJDStart(); math.Abs(got-30.0/86400.0) > 1e-9 {
		t.Errorf("MJD exposure span = %v days", got)
	}
}
