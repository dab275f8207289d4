package raster

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

// WarpedView is a reprojected raster, read back through the same Raster
// surface. It must be Closed independently from the source
// Raster it was built from — godal.Warp returns a new, self-contained
// in-memory dataset rather than a view sharing the source's handle.
type WarpedView struct {
	*Raster
}

// DefaultWarp computes the minimum enclosing transform/width/height for
// reprojecting src into dstSR, by delegating to GDAL's own warp-output
// sizing (an in-memory MEM warp with no explicit -te/-ts) rather than
// reimplementing GDALSuggestedWarpOutput's resolution heuristics by hand.
func DefaultWarp(src *Raster, dstSR *godal.SpatialRef, resampling godal.ResamplingAlg) (gt GeoTransform, width, height int, bounds Bounds, err error) {
	wkt, err := dstSR.WKT()
	if err != nil {
		return GeoTransform{}, 0, 0, Bounds{}, fmt.Errorf("target CRS WKT: %w", err)
	}
	switches := []string{"-t_srs", wkt, "-r", resampling.String()}
	gdalMu.Lock()
	mem, err := godal.Warp("", []*godal.Dataset{src.ds}, switches, godal.Memory)
	gdalMu.Unlock()
	if err != nil {
		return GeoTransform{}, 0, 0, Bounds{}, fmt.Errorf("compute default warp: %w", err)
	}
	defer mem.Close()

	st := mem.Structure()
	rawGT, err := mem.GeoTransform()
	if err != nil {
		return GeoTransform{}, 0, 0, Bounds{}, fmt.Errorf("default warp geotransform: %w", err)
	}
	b, err := mem.Bounds()
	if err != nil {
		return GeoTransform{}, 0, 0, Bounds{}, fmt.Errorf("default warp bounds: %w", err)
	}
	return GeoTransform(rawGT), st.SizeX, st.SizeY, b, nil
}

// WarpOptions parameterizes Warp.
type WarpOptions struct {
	DstSR          *godal.SpatialRef
	Resampling     godal.ResamplingAlg
	Transform      GeoTransform
	Width, Height  int
	SrcNoData      float64
	DstNoData      float64
	InitDestNoData bool
}

// Warp builds a warped virtual raster at an explicit transform/size —
// the step that expands the default warp's footprint to the union with a
// caller-requested bounding box (tile engine pipeline step 6).
func Warp(src *Raster, opts WarpOptions) (*WarpedView, error) {
	wkt, err := opts.DstSR.WKT()
	if err != nil {
		return nil, fmt.Errorf("target CRS WKT: %w", err)
	}
	bounds := boundsFromTransform(opts.Transform, opts.Width, opts.Height)
	switches := []string{
		"-t_srs", wkt,
		"-r", opts.Resampling.String(),
		"-te", ftoa(bounds.MinX()), ftoa(bounds.MinY()), ftoa(bounds.MaxX()), ftoa(bounds.MaxY()),
		"-ts", itoa(opts.Width), itoa(opts.Height),
		"-srcnodata", ftoa(opts.SrcNoData),
		"-dstnodata", ftoa(opts.DstNoData),
	}
	if opts.InitDestNoData {
		switches = append(switches, "-wo", "INIT_DEST=NO_DATA")
	}

	gdalMu.Lock()
	mem, err := godal.Warp("", []*godal.Dataset{src.ds}, switches, godal.Memory)
	gdalMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("build warped virtual raster: %w", err)
	}
	return &WarpedView{Raster: &Raster{ds: mem, path: src.path, nodata: opts.DstNoData, hasND: true}}, nil
}

// ReadResampled reads w from the warped view, resampling into exactly
// outW x outH pixels — godal's equivalent of rasterio's out_shape reads.
func (v *WarpedView) ReadResampled(w Window, outW, outH int, resampling godal.ResamplingAlg) ([]float64, error) {
	buf := make([]float64, outW*outH)
	band := v.ds.Bands()[0]
	err := band.Read(w.X0, w.Y0, buf, outW, outH, godal.Window(w.W, w.H), godal.Resampling(resampling))
	if err != nil {
		return nil, fmt.Errorf("resampled read: %w", err)
	}
	return buf, nil
}

// WindowFromBounds converts a bounding box in the same CRS as gt into a
// pixel-space Window, assuming an axis-aligned (no rotation) transform —
// true for every warped-to-Web-Mercator raster this server produces.
func WindowFromBounds(gt GeoTransform, b Bounds) Window {
	x0 := (b.MinX() - gt[0]) / gt[1]
	y0 := (b.MaxY() - gt[3]) / gt[5]
	x1 := (b.MaxX() - gt[0]) / gt[1]
	y1 := (b.MinY() - gt[3]) / gt[5]

	left := math.Min(x0, x1)
	top := math.Min(y0, y1)
	width := math.Abs(x1 - x0)
	height := math.Abs(y1 - y0)

	return Window{
		X0: int(math.Round(left)),
		Y0: int(math.Round(top)),
		W:  int(math.Ceil(width)),
		H:  int(math.Ceil(height)),
	}
}

// boundsFromTransform derives the bounding box covered by a width x height
// raster at the given affine transform.
func boundsFromTransform(gt GeoTransform, width, height int) Bounds {
	x0 := gt[0]
	y0 := gt[3]
	x1 := gt[0] + float64(width)*gt[1]
	y1 := gt[3] + float64(height)*gt[5]
	return Bounds{math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)}
}

// TransformFromBounds builds the affine transform for a width x height
// raster covering bounds exactly (north-up, axis-aligned).
func TransformFromBounds(b Bounds, width, height int) GeoTransform {
	a := (b.MaxX() - b.MinX()) / float64(width)
	e := (b.MinY() - b.MaxY()) / float64(height)
	return GeoTransform{b.MinX(), a, 0, b.MaxY(), 0, e}
}

func ftoa(f float64) string { return fmt.Sprintf("%.10f", f) }
func itoa(i int) string     { return fmt.Sprintf("%d", i) }
