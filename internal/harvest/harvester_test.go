package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sbn-survey/cs-harvester/internal/catalog"
	"github.com/sbn-survey/cs-harvester/internal/harvestlog"
	"github.com/sbn-survey/cs-harvester/internal/ledger"
)

type fakeLedger struct {
	records []ledger.Record
}

func (f fakeLedger) Validated(_ context.Context, since, before time.Time) ([]ledger.Record, error) {
	var out []ledger.Record
	for _, rec := range f.records {
		if rec.RecordedAt.After(since) && !rec.RecordedAt.After(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeStore struct {
	added     []catalog.Observation
	updated   []catalog.Observation
	duplicate map[string]bool
	failWith  error
	failOn    int // 1-based flush number to start failing at; 0 fails every flush
	calls     int
}

func (s *fakeStore) failing() bool {
	return s.failWith != nil && s.calls >= s.failOn
}

func (s *fakeStore) AddObservations(_ context.Context, observations []catalog.Observation) (catalog.Result, error) {
	s.calls++
	if s.failing() {
		return catalog.Result{}, s.failWith
	}
	result := catalog.Result{BatchID: "test-batch"}
	for _, obs := range observations {
		if s.duplicate[obs.ProductID] {
			result.Duplicates++
			continue
		}
		s.added = append(s.added, obs)
		result.Added++
	}
	return result, nil
}

func (s *fakeStore) UpdateObservations(_ context.Context, observations []catalog.Observation) (catalog.Result, error) {
	s.calls++
	if s.failing() {
		return catalog.Result{}, s.failWith
	}
	s.updated = append(s.updated, observations...)
	return catalog.Result{BatchID: "test-batch", Added: len(observations)}, nil
}

func collectionLabelXML(lid, vid string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Product_Collection xmlns="http://pds.nasa.gov/pds4/pds/v1">
  <Identification_Area>
    <logical_identifier>%s</logical_identifier>
    <version_id>%s</version_id>
    <product_class>Product_Collection</product_class>
  </Identification_Area>
</Product_Collection>`, lid, vid)
}

func observationLabelXML(lid string, corners int) string {
	names := []string{"Top Left", "Top Right", "Bottom Right", "Bottom Left"}
	var cornerXML string
	for i := 0; i < corners; i++ {
		cornerXML += fmt.Sprintf(`<Corner_Position>
            <corner_identification>%s</corner_identification>
            <Coordinate>
              <right_ascension>%d</right_ascension>
              <declination>%d</declination>
            </Coordinate>
          </Corner_Position>`, names[i], 10+i, i)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Product_Observational xmlns="http://pds.nasa.gov/pds4/pds/v1">
  <Identification_Area>
    <logical_identifier>%s</logical_identifier>
    <version_id>1.0</version_id>
    <product_class>Product_Observational</product_class>
  </Identification_Area>
  <Observation_Area>
    <Time_Coordinates>
      <start_date_time>2023-03-01T02:00:00Z</start_date_time>
      <stop_date_time>2023-03-01T02:00:30Z</stop_date_time>
    </Time_Coordinates>
    <Discipline_Area>
      <img:Imaging xmlns:img="http://pds.nasa.gov/pds4/img/v1">
        <Exposure><exposure_duration unit="s">30</exposure_duration></Exposure>
        <Optical_Filter><filter_name>orange</filter_name></Optical_Filter>
      </img:Imaging>
      <survey:Survey xmlns:survey="http://pds.nasa.gov/pds4/survey/v1">
        <field_id>t01</field_id>
        <Image_Corners>%s</Image_Corners>
        <Limiting_Magnitudes>
          <N_Sigma_Limit><limiting_magnitude>19.5</limiting_magnitude></N_Sigma_Limit>
        </Limiting_Magnitudes>
      </survey:Survey>
    </Discipline_Area>
  </Observation_Area>
</Product_Observational>`, lid, cornerXML)
}

// archive builds a source data tree under a temp root: per-location
// collection labels with their inventory tables, and label files under the
// data subdirectory.
type archive struct {
	t    *testing.T
	root string
}

func newArchive(t *testing.T) *archive {
	t.Helper()
	return &archive{t: t, root: t.TempDir()}
}

func (a *archive) write(relPath, content string) {
	a.t.Helper()
	path := filepath.Join(a.root, relPath)
	require.NoError(a.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(a.t, os.WriteFile(path, []byte(content), 0o644))
}

func (a *archive) addCollection(location, fileStem, lid, vid string, members []string) {
	a.t.Helper()
	a.write(filepath.Join(location, fileStem+".xml"), collectionLabelXML(lid, vid))
	var inventory string
	for _, member := range members {
		inventory += "P," + member + "\r\n"
	}
	a.write(filepath.Join(location, fileStem+".csv"), inventory)
}

func (a *archive) addLabel(location, filename, lid string) {
	a.t.Helper()
	a.write(filepath.Join(location, "data", filename), observationLabelXML(lid, 4))
}

func testSource() SourceConfig {
	cfg := DefaultSourceConfig()
	cfg.Name = "atlas"
	cfg.Ledger = "unused"
	return cfg
}

func openRunLog(t *testing.T, path string, dryRun bool) *harvestlog.Log {
	t.Helper()
	runLog, err := harvestlog.Open(path, dryRun, zerolog.Nop())
	require.NoError(t, err)
	return runLog
}

const bundle = "urn:nasa:pds:gbo.ast.atlas.survey"

func TestRunIncrementalWindow(t *testing.T) {
	a := newArchive(t)
	t1 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

	var records []ledger.Record
	for i, recordedAt := range []time.Time{t1, t2, t3} {
		location := fmt.Sprintf("atlas/5961%d", i+1)
		collLID := fmt.Sprintf("%s:5961%d:data", bundle, i+1)
		productLID := fmt.Sprintf("%s:5961%d:01a_frame.fits", bundle, i+1)
		a.addCollection(location, "collection_data", collLID, "1.0", []string{productLID + "::1.0"})
		a.addLabel(location, "01a_frame.fits.xml", productLID)
		records = append(records, ledger.Record{
			ID:         fmt.Sprintf("%d", i+1),
			Location:   location,
			RecordedAt: recordedAt,
		})
	}

	// A prior completed run left the watermark at t1.
	logPath := filepath.Join(t.TempDir(), "harvest-log.csv")
	seed := openRunLog(t, logPath, false)
	require.NoError(t, seed.Begin("catch", "atlas"))
	require.NoError(t, seed.RecordProgress(harvestlog.Delta{}, t1))
	require.NoError(t, seed.Finish(harvestlog.Completed))

	store := &fakeStore{}
	runLog := openRunLog(t, logPath, false)
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	summary, err := h.Run(context.Background(), Options{Target: "catch"})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Collections)
	require.Equal(t, 0, summary.Skipped)

	require.Len(t, store.added, 2)
	require.Equal(t, bundle+":59612:01a_frame.fits", store.added[0].ProductID)
	require.Equal(t, bundle+":59613:01a_frame.fits", store.added[1].ProductID)

	require.Equal(t, 2, summary.Run.Files)
	require.Equal(t, 2, summary.Run.Added)
	require.Equal(t, 0, summary.Run.Errors)
	require.NotEqual(t, "failed", summary.Run.End)

	reopened := openRunLog(t, logPath, false)
	require.True(t, reopened.Watermark("catch", "atlas").Equal(t3),
		"watermark should advance to the newest processed collection")
}

func TestRunDiffAgainstPreviousVersion(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59620"
	collLID := bundle + ":59620:data"
	oldProduct := bundle + ":59620:01a_old.fits"
	newProduct := bundle + ":59620:01a_new.fits"

	a.addCollection(location, "collection_data_v1", collLID, "1.0", []string{oldProduct + "::1.0"})
	a.addCollection(location, "collection_data_v2", collLID, "2.0",
		[]string{oldProduct + "::1.0", newProduct + "::1.0"})
	a.addLabel(location, "01a_old.fits.xml", oldProduct)
	a.addLabel(location, "01a_new.fits.xml", newProduct)

	store := &fakeStore{}
	runLog := openRunLog(t, filepath.Join(t.TempDir(), "harvest-log.csv"), false)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	summary, err := h.Run(context.Background(), Options{Target: "catch"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Collections)
	require.Len(t, store.added, 1, "only the member added in v2.0 should be harvested")
	require.Equal(t, newProduct, store.added[0].ProductID)
}

func TestRunAdvancesWatermarkWithoutNewMembers(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59625"
	collLID := bundle + ":59625:data"
	product := bundle + ":59625:01a_frame.fits"

	// v2.0 adds nothing over v1.0: the diff is empty.
	a.addCollection(location, "collection_data_v1", collLID, "1.0", []string{product + "::1.0"})
	a.addCollection(location, "collection_data_v2", collLID, "2.0", []string{product + "::1.0"})
	a.addLabel(location, "01a_frame.fits.xml", product)

	logPath := filepath.Join(t.TempDir(), "harvest-log.csv")
	store := &fakeStore{}
	runLog := openRunLog(t, logPath, false)
	recordedAt := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: recordedAt}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	summary, err := h.Run(context.Background(), Options{Target: "catch"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Collections)
	require.Empty(t, store.added)

	reopened := openRunLog(t, logPath, false)
	require.True(t, reopened.Watermark("catch", "atlas").Equal(recordedAt),
		"an empty diff still advances the watermark")
}

func TestRunSkipsUnresolvableCollection(t *testing.T) {
	a := newArchive(t)
	goodLocation := "atlas/59631"
	goodProduct := bundle + ":59631:01a_frame.fits"
	a.addCollection(goodLocation, "collection_data", bundle+":59631:data", "1.0", []string{goodProduct + "::1.0"})
	a.addLabel(goodLocation, "01a_frame.fits.xml", goodProduct)

	records := []ledger.Record{
		{ID: "1", Location: "atlas/59630", RecordedAt: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "2", Location: goodLocation, RecordedAt: time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC)},
	}

	store := &fakeStore{}
	runLog := openRunLog(t, filepath.Join(t.TempDir(), "harvest-log.csv"), false)
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	summary, err := h.Run(context.Background(), Options{Target: "catch"})
	require.NoError(t, err, "a missing collection skips, it does not abort")
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, summary.Collections)
	require.Len(t, store.added, 1)
	require.NotEqual(t, "failed", summary.Run.End)
}

func TestRunIncompleteInventorySkipsCollection(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59640"
	present := bundle + ":59640:01a_present.fits"
	missing := bundle + ":59640:01a_missing.fits"
	a.addCollection(location, "collection_data", bundle+":59640:data", "1.0",
		[]string{present + "::1.0", missing + "::1.0"})
	a.addLabel(location, "01a_present.fits.xml", present)

	store := &fakeStore{}
	runLog := openRunLog(t, filepath.Join(t.TempDir(), "harvest-log.csv"), false)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	summary, err := h.Run(context.Background(), Options{Target: "catch"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Empty(t, store.added, "nothing commits from a collection with a short inventory")
}

func TestRunCountsItemErrors(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59650"
	good := bundle + ":59650:01a_good.fits"
	bad := bundle + ":59650:01a_bad.fits"
	a.addCollection(location, "collection_data", bundle+":59650:data", "1.0",
		[]string{good + "::1.0", bad + "::1.0"})
	a.addLabel(location, "01a_good.fits.xml", good)
	// Three corners instead of four: parses, fails observation processing.
	a.write(filepath.Join(location, "data", "01a_bad.fits.xml"), observationLabelXML(bad, 3))

	store := &fakeStore{}
	runLog := openRunLog(t, filepath.Join(t.TempDir(), "harvest-log.csv"), false)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	summary, err := h.Run(context.Background(), Options{Target: "catch"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Collections)
	require.Len(t, store.added, 1)
	require.Equal(t, good, store.added[0].ProductID)
	require.Equal(t, 2, summary.Run.Files)
	require.Equal(t, 1, summary.Run.Added)
	require.Equal(t, 1, summary.Run.Errors)
	require.NotEqual(t, "failed", summary.Run.End)
}

func TestRunListOnly(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59660"
	collLID := bundle + ":59660:data"
	product := bundle + ":59660:01a_frame.fits"
	a.addCollection(location, "collection_data", collLID, "1.0", []string{product + "::1.0"})
	a.addLabel(location, "01a_frame.fits.xml", product)

	store := &fakeStore{}
	runLog := openRunLog(t, filepath.Join(t.TempDir(), "harvest-log.csv"), false)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	summary, err := h.Run(context.Background(), Options{Target: "catch", ListOnly: true})
	require.NoError(t, err)
	require.Equal(t, []string{collLID + "::1.0"}, summary.Listed)
	require.Empty(t, store.added)
	require.Equal(t, 0, summary.Run.Files)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59670"
	product := bundle + ":59670:01a_frame.fits"
	a.addCollection(location, "collection_data", bundle+":59670:data", "1.0", []string{product + "::1.0"})
	a.addLabel(location, "01a_frame.fits.xml", product)

	logPath := filepath.Join(t.TempDir(), "harvest-log.csv")
	store := &fakeStore{}
	runLog := openRunLog(t, logPath, true)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	summary, err := h.Run(context.Background(), Options{Target: "catch", DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Collections)
	require.Equal(t, 1, summary.Run.Added, "dry runs still count what would be added")
	require.Empty(t, store.added)

	_, statErr := os.Stat(logPath)
	require.True(t, os.IsNotExist(statErr), "dry runs must not write the harvest log")
}

func TestRunOnlyProcess(t *testing.T) {
	a := newArchive(t)
	var records []ledger.Record
	for i := 1; i <= 2; i++ {
		location := fmt.Sprintf("atlas/5968%d", i)
		collLID := fmt.Sprintf("%s:5968%d:data", bundle, i)
		product := fmt.Sprintf("%s:5968%d:01a_frame.fits", bundle, i)
		a.addCollection(location, "collection_data", collLID, "1.0", []string{product + "::1.0"})
		a.addLabel(location, "01a_frame.fits.xml", product)
		records = append(records, ledger.Record{
			ID:         fmt.Sprintf("%d", i),
			Location:   location,
			RecordedAt: time.Date(2023, 3, i, 0, 0, 0, 0, time.UTC),
		})
	}

	store := &fakeStore{}
	runLog := openRunLog(t, filepath.Join(t.TempDir(), "harvest-log.csv"), false)
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	summary, err := h.Run(context.Background(), Options{
		Target:      "catch",
		OnlyProcess: []string{bundle + ":59682:data"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Collections)
	require.Len(t, store.added, 1)
	require.Equal(t, bundle+":59682:01a_frame.fits", store.added[0].ProductID)
}

func TestRunUpdateMode(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59690"
	product := bundle + ":59690:01a_frame.fits"
	a.addCollection(location, "collection_data", bundle+":59690:data", "1.0", []string{product + "::1.0"})
	a.addLabel(location, "01a_frame.fits.xml", product)

	store := &fakeStore{}
	runLog := openRunLog(t, filepath.Join(t.TempDir(), "harvest-log.csv"), false)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	_, err := h.Run(context.Background(), Options{Target: "catch", Update: true})
	require.NoError(t, err)
	require.Empty(t, store.added)
	require.Len(t, store.updated, 1)
}

func TestRunCatalogFailureMarksRunFailed(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59700"
	product := bundle + ":59700:01a_frame.fits"
	a.addCollection(location, "collection_data", bundle+":59700:data", "1.0", []string{product + "::1.0"})
	a.addLabel(location, "01a_frame.fits.xml", product)

	logPath := filepath.Join(t.TempDir(), "harvest-log.csv")
	store := &fakeStore{failWith: errors.New("connection reset")}
	runLog := openRunLog(t, logPath, false)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	_, err := h.Run(context.Background(), Options{Target: "catch"})
	require.Error(t, err)

	reopened := openRunLog(t, logPath, false)
	rows := reopened.Rows()
	require.NotEmpty(t, rows)
	require.Equal(t, "failed", rows[len(rows)-1].End)
	require.True(t, reopened.Watermark("catch", "atlas").Equal(time.Unix(0, 0).UTC()),
		"a failed flush must not advance the watermark")
}

func TestRunMidCollectionFlushFailureKeepsCollectionInWindow(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59710"
	first := bundle + ":59710:01a_first.fits"
	second := bundle + ":59710:01a_second.fits"
	a.addCollection(location, "collection_data", bundle+":59710:data", "1.0",
		[]string{first + "::1.0", second + "::1.0"})
	a.addLabel(location, "01a_first.fits.xml", first)
	a.addLabel(location, "01a_second.fits.xml", second)

	logPath := filepath.Join(t.TempDir(), "harvest-log.csv")
	// Batch size 1: the first product commits on its own flush, the second
	// flush of the same collection fails.
	store := &fakeStore{failWith: errors.New("connection reset"), failOn: 2}
	runLog := openRunLog(t, logPath, false)
	recordedAt := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: recordedAt}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	_, err := h.Run(context.Background(), Options{Target: "catch", BatchSize: 1})
	require.Error(t, err)
	require.Len(t, store.added, 1, "the successful first flush stays committed")

	reopened := openRunLog(t, logPath, false)
	rows := reopened.Rows()
	require.NotEmpty(t, rows)
	require.Equal(t, "failed", rows[len(rows)-1].End)

	watermark := reopened.Watermark("catch", "atlas")
	require.True(t, watermark.Before(recordedAt),
		"a mid-collection flush must not raise the watermark past the collection")

	remaining, lerr := fakeLedger{records}.Validated(context.Background(), watermark, time.Now().UTC())
	require.NoError(t, lerr)
	require.Len(t, remaining, 1, "the partially committed collection must stay in the next run's window")
}

func TestRunRecordsWatermarkWhenFlushLandsOnThreshold(t *testing.T) {
	a := newArchive(t)
	location := "atlas/59720"
	product := bundle + ":59720:01a_frame.fits"
	a.addCollection(location, "collection_data", bundle+":59720:data", "1.0", []string{product + "::1.0"})
	a.addLabel(location, "01a_frame.fits.xml", product)

	logPath := filepath.Join(t.TempDir(), "harvest-log.csv")
	store := &fakeStore{}
	runLog := openRunLog(t, logPath, false)
	recordedAt := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []ledger.Record{{ID: "1", Location: location, RecordedAt: recordedAt}}
	h := New(testSource(), a.root, runLog, fakeLedger{records}, store, nil, zerolog.Nop())

	// Batch size 1 makes the only product flush at the threshold, leaving
	// nothing for the remainder flush.
	summary, err := h.Run(context.Background(), Options{Target: "catch", BatchSize: 1})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Collections)

	reopened := openRunLog(t, logPath, false)
	require.True(t, reopened.Watermark("catch", "atlas").Equal(recordedAt),
		"a fully committed collection must advance the watermark")
}
