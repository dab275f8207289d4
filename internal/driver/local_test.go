package driver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/godal"

	"rastertile/internal/rterrors"
)

// newTestLocal opens a fresh database and holds a Connect scope open for
// the lifetime of the test, so callers can exercise Insert/Get/Delete/etc
// without managing the scope themselves.
func newTestLocal(t *testing.T) *Local {
	t.Helper()
	dir := t.TempDir()
	l := NewLocal(filepath.Join(dir, "terracotta.sqlite"))

	release, err := l.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(release)

	keys := []KeyDescription{
		{Name: "region", Description: "region name"},
		{Name: "band", Description: "spectral band"},
	}
	if err := l.Create(context.Background(), keys); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return l
}

// mustTestRaster writes a tiny 2x2 single-band GeoTIFF to a /vsimem path
// unique to the running test, so Insert's call into metadata.Compute has a
// real file to read.
func mustTestRaster(t *testing.T, values [4]float64) string {
	t.Helper()
	godal.RegisterAll()

	path := "/vsimem/" + t.Name() + ".tif"
	ds, err := godal.Create(godal.GTiff, path, 1, godal.Float64, 2, 2)
	if err != nil {
		t.Fatalf("create test raster: %v", err)
	}
	defer ds.Close()

	if err := ds.SetGeoTransform([6]float64{-10, 10, 0, 5, 0, -5}); err != nil {
		t.Fatalf("set geotransform: %v", err)
	}
	sr, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		t.Fatalf("create spatial ref: %v", err)
	}
	defer sr.Close()
	if err := ds.SetSpatialRef(sr); err != nil {
		t.Fatalf("set spatial ref: %v", err)
	}
	if err := ds.Bands()[0].Write(0, 0, values[:], 2, 2); err != nil {
		t.Fatalf("write band: %v", err)
	}
	return path
}

func TestCreateRejectsExistingDatabase(t *testing.T) {
	l := newTestLocal(t)
	err := l.Create(context.Background(), []KeyDescription{{Name: "region", Description: "r"}})
	if !rterrors.Is(err, rterrors.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestInsertAndGet(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	path := mustTestRaster(t, [4]float64{0, 0, 100, 100})

	err := l.Insert(ctx, []string{"us", "red"}, path, InsertOptions{Metadata: map[string]string{"source": "test"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ds, err := l.Get(ctx, []string{"us", "red"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ds.Path != path {
		t.Errorf("expected path %q, got %q", path, ds.Path)
	}
	// The raster declares no nodata, so 0 is the nodata sentinel and the
	// two zero pixels are excluded from the statistics.
	if ds.Mean != 100 {
		t.Errorf("expected mean 100, got %v", ds.Mean)
	}
	if ds.Metadata["source"] != "test" {
		t.Errorf("expected metadata source=test, got %v", ds.Metadata)
	}
}

func TestInsertOverridePathStoresAlternatePath(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	path := mustTestRaster(t, [4]float64{1, 1, 1, 1})

	err := l.Insert(ctx, []string{"us", "red"}, path, InsertOptions{OverridePath: "s3://bucket/us_red.tif"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ds, err := l.Get(ctx, []string{"us", "red"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ds.Path != "s3://bucket/us_red.tif" {
		t.Errorf("expected stored path to be the override, got %q", ds.Path)
	}
	if ds.Mean != 1 {
		t.Errorf("expected statistics computed from the real path, got mean %v", ds.Mean)
	}
}

func TestInsertSkipMetadataStoresOpaqueBlobOnly(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	err := l.Insert(ctx, []string{"us", "red"}, "/data/not_yet_uploaded.tif", InsertOptions{
		SkipMetadata: true,
		Metadata:     map[string]string{"pending": "true"},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ds, err := l.Get(ctx, []string{"us", "red"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ds.Path != "/data/not_yet_uploaded.tif" {
		t.Errorf("expected path stored verbatim, got %q", ds.Path)
	}
	if ds.Metadata["pending"] != "true" {
		t.Errorf("expected metadata pending=true, got %v", ds.Metadata)
	}
}

func TestGetUnknownDataset(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Get(context.Background(), []string{"us", "red"})
	if !rterrors.Is(err, rterrors.UnknownDataset) {
		t.Fatalf("expected UnknownDataset, got %v", err)
	}
}

func TestDatasetsPagination(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	path := mustTestRaster(t, [4]float64{1, 1, 1, 1})

	for _, kv := range [][2]string{{"us", "red"}, {"us", "blue"}, {"ca", "red"}} {
		opts := InsertOptions{SkipMetadata: true, Metadata: map[string]string{}}
		if err := l.Insert(ctx, []string{kv[0], kv[1]}, path, opts); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	all, err := l.Datasets(ctx, nil, 0, 0)
	if err != nil {
		t.Fatalf("Datasets: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 datasets, got %d", len(all))
	}
	if all[0].Keys[0] != "us" || all[0].Keys[1] != "red" {
		t.Errorf("expected first inserted dataset first (seq order), got %v", all[0].Keys)
	}

	us, err := l.Datasets(ctx, map[string]string{"region": "us"}, 0, 0)
	if err != nil {
		t.Fatalf("Datasets filtered: %v", err)
	}
	if len(us) != 2 {
		t.Fatalf("expected 2 datasets for region=us, got %d", len(us))
	}

	// band is the second declared key: filtering on it alone (skipping
	// region) exercises an arbitrary-subset predicate, not a prefix.
	red, err := l.Datasets(ctx, map[string]string{"band": "red"}, 0, 0)
	if err != nil {
		t.Fatalf("Datasets filtered by non-prefix key: %v", err)
	}
	if len(red) != 2 {
		t.Fatalf("expected 2 datasets for band=red, got %d", len(red))
	}

	page, err := l.Datasets(ctx, nil, 1, 1)
	if err != nil {
		t.Fatalf("Datasets paginated: %v", err)
	}
	if len(page) != 1 || page[0].Keys[0] != "us" || page[0].Keys[1] != "blue" {
		t.Fatalf("expected second dataset on limit=1 offset=1, got %v", page)
	}
}

func TestDatasetsRejectsUnknownKeyInWhere(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Datasets(context.Background(), map[string]string{"bogus": "x"}, 0, 0)
	if !rterrors.Is(err, rterrors.UnknownKey) {
		t.Fatalf("expected UnknownKey for an undeclared filter key, got %v", err)
	}
}

func TestDeleteDataset(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	path := mustTestRaster(t, [4]float64{1, 1, 1, 1})

	if err := l.Insert(ctx, []string{"us", "red"}, path, InsertOptions{SkipMetadata: true}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := l.Delete(ctx, []string{"us", "red"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Get(ctx, []string{"us", "red"}); !rterrors.Is(err, rterrors.UnknownDataset) {
		t.Fatalf("expected UnknownDataset after delete, got %v", err)
	}
}

func TestConnectRefcountsSharedConnection(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(filepath.Join(dir, "terracotta.sqlite"))
	ctx := context.Background()

	release1, err := l.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	release2, err := l.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if l.refcount != 2 {
		t.Errorf("expected refcount 2 with two overlapping Connect calls, got %d", l.refcount)
	}

	release1()
	if l.conn == nil {
		t.Errorf("connection closed while a second caller still holds it")
	}
	release2()
	if l.conn != nil {
		t.Errorf("expected connection to close once the last caller released it")
	}
}

func TestOperationsRequireConnectScope(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(filepath.Join(dir, "terracotta.sqlite"))
	ctx := context.Background()

	if err := l.Create(ctx, []KeyDescription{{Name: "region", Description: "r"}}); !rterrors.Is(err, rterrors.NotConnected) {
		t.Fatalf("expected NotConnected outside a Connect scope, got %v", err)
	}

	release, err := l.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := l.Create(ctx, []KeyDescription{{Name: "region", Description: "r"}}); err != nil {
		t.Fatalf("Create inside Connect scope: %v", err)
	}
	release()

	if _, err := l.Get(ctx, []string{"us"}); !rterrors.Is(err, rterrors.NotConnected) {
		t.Fatalf("expected NotConnected after release, got %v", err)
	}
}
