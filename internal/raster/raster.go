// Package raster is a thin facade over github.com/airbusgeo/godal, the
// cgo binding for GDAL. It gives the rest of the core a uniform surface for
// opening a source raster, iterating its internal block windows, and
// constructing a warped virtual view that can be read at an arbitrary
// output shape — the handful of GDAL operations the tile pipeline and the
// metadata computer actually need, and nothing else.
package raster

import (
	"fmt"
	"math"
	"sync"

	"github.com/airbusgeo/godal"

	"rastertile/internal/settings"
)

var registerOnce sync.Once

func ensureRegistered() {
	registerOnce.Do(godal.RegisterAll)
}

// gdalMu serializes GDAL dataset construction. GDAL and several of its
// format drivers keep global, non-thread-safe state, so concurrent
// Open/Warp calls across goroutines are serialized here rather than
// trusted to be safe by default.
var gdalMu sync.Mutex

// Resampling maps one of the four resampling kinds the server supports to
// godal's enum. An unknown kind is the caller's bug, not ours — validation
// of user-supplied resampling strings happens once, in settings.Load.
func Resampling(method settings.ResamplingMethod) (godal.ResamplingAlg, error) {
	switch method {
	case settings.Nearest:
		return godal.Nearest, nil
	case settings.Linear:
		return godal.Bilinear, nil
	case settings.Cubic:
		return godal.Cubic, nil
	case settings.Average:
		return godal.Average, nil
	default:
		return 0, fmt.Errorf("unknown resampling method %q", method)
	}
}

// Bounds is minx, miny, maxx, maxy.
type Bounds = godal.Bounds

// GeoTransform is the affine [a,b,c,d,e,f] pixel-to-CRS transform, in the
// GDAL convention: x = a + px*b + py*c, y = d + px*e + py*f (for
// north-up rasters b and f are the pixel size and c,e are 0).
type GeoTransform [6]float64

// PixelSizeX and PixelSizeY return the raster's pixel size along each axis,
// preserving sign (PixelSizeY is negative for north-up rasters).
func (gt GeoTransform) PixelSizeX() float64 { return gt[1] }
func (gt GeoTransform) PixelSizeY() float64 { return gt[5] }

// Window is a rectangular pixel-space sub-region of a raster.
type Window struct {
	X0, Y0 int
	W, H   int
}

// Raster is an open source dataset. Callers must Close it.
type Raster struct {
	ds     *godal.Dataset
	path   string
	nodata float64
	hasND  bool
}

// Open opens path (a local filename or any GDAL-recognized virtual
// filesystem path, e.g. /vsis3/bucket/key.tif) for single-band reading.
func Open(path string) (*Raster, error) {
	ensureRegistered()

	gdalMu.Lock()
	ds, err := godal.Open(path)
	gdalMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open raster %s: %w", path, err)
	}
	if len(ds.Bands()) == 0 {
		ds.Close()
		return nil, fmt.Errorf("raster %s has no bands", path)
	}
	nd, ok := ds.Bands()[0].NoData()
	return &Raster{ds: ds, path: path, nodata: nd, hasND: ok}, nil
}

// Close releases the underlying GDAL dataset handle.
func (r *Raster) Close() error { return r.ds.Close() }

// SpatialRef returns the raster's native coordinate reference system. The
// caller owns the returned handle and must Close it.
func (r *Raster) SpatialRef() *godal.SpatialRef { return r.ds.SpatialRef() }

// NoData returns the band's nodata sentinel, defaulting to 0 when the
// raster declares none (spec.md 4.B step 2).
func (r *Raster) NoData() float64 {
	if r.hasND {
		return r.nodata
	}
	return 0
}

// HasNativeNoData reports whether the raster itself declares a nodata value.
func (r *Raster) HasNativeNoData() bool { return r.hasND }

// Size returns the raster's width and height in pixels.
func (r *Raster) Size() (width, height int) {
	st := r.ds.Structure()
	return st.SizeX, st.SizeY
}

// GeoTransform returns the raster's affine pixel-to-CRS transform.
func (r *Raster) GeoTransform() (GeoTransform, error) {
	gt, err := r.ds.GeoTransform()
	if err != nil {
		return GeoTransform{}, fmt.Errorf("geotransform: %w", err)
	}
	return GeoTransform(gt), nil
}

// NativeBounds returns the raster's bounding box in its own CRS.
func (r *Raster) NativeBounds() (Bounds, error) {
	b, err := r.ds.Bounds()
	if err != nil {
		return Bounds{}, fmt.Errorf("bounds: %w", err)
	}
	return b, nil
}

// BlockWindows returns the raster's internal tiling, aligned windows that
// cover the whole band without overlap — the unit of work for the
// metadata computer's chunked statistics path.
func (r *Raster) BlockWindows() []Window {
	st := r.ds.Bands()[0].Structure()
	var windows []Window
	for b, ok := st.FirstBlock(), true; ok; b, ok = b.Next() {
		windows = append(windows, Window{X0: b.X0, Y0: b.Y0, W: b.W, H: b.H})
	}
	return windows
}

// ReadFloat64 reads band 1 over window w into a float64 slice of exactly
// w.W*w.H elements, row-major.
func (r *Raster) ReadFloat64(w Window) ([]float64, error) {
	buf := make([]float64, w.W*w.H)
	if err := r.ds.Bands()[0].Read(w.X0, w.Y0, buf, w.W, w.H); err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}
	return buf, nil
}

// DensifiedReprojectedBounds reprojects the raster's native bounds into
// dstSR, sampling pointsPerEdge additional points along each of the four
// edges so that non axis-aligned CRS transforms (where a straight edge in
// the source CRS is curved in the destination CRS) don't get clipped to
// their four corners. This mirrors rasterio's
// transform_bounds(..., densify_pts=21) used by the original metadata
// computer.
func (r *Raster) DensifiedReprojectedBounds(dstSR *godal.SpatialRef, pointsPerEdge int) (Bounds, error) {
	srcSR := r.ds.SpatialRef()
	defer srcSR.Close()

	native, err := r.NativeBounds()
	if err != nil {
		return Bounds{}, err
	}

	trn, err := godal.NewTransform(srcSR, dstSR)
	if err != nil {
		return Bounds{}, fmt.Errorf("create coordinate transform: %w", err)
	}
	defer trn.Close()

	xs, ys := densifyRectangle(native, pointsPerEdge)
	if err := trn.TransformEx(xs, ys, nil, nil); err != nil {
		return Bounds{}, fmt.Errorf("reproject bounds: %w", err)
	}

	out := Bounds{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for i := range xs {
		if xs[i] < out[0] {
			out[0] = xs[i]
		}
		if xs[i] > out[2] {
			out[2] = xs[i]
		}
		if ys[i] < out[1] {
			out[1] = ys[i]
		}
		if ys[i] > out[3] {
			out[3] = ys[i]
		}
	}
	return out, nil
}

// densifyRectangle returns the coordinates of the four edges of b, each
// subdivided into pointsPerEdge+1 segments (pointsPerEdge interior points
// plus the shared corners), in a consistent perimeter order.
func densifyRectangle(b Bounds, pointsPerEdge int) (xs, ys []float64) {
	if pointsPerEdge < 0 {
		pointsPerEdge = 0
	}
	corners := [4][2]float64{
		{b.MinX(), b.MinY()},
		{b.MinX(), b.MaxY()},
		{b.MaxX(), b.MaxY()},
		{b.MaxX(), b.MinY()},
	}
	segments := pointsPerEdge + 1
	for i := 0; i < 4; i++ {
		from := corners[i]
		to := corners[(i+1)%4]
		for s := 0; s < segments; s++ {
			t := float64(s) / float64(segments)
			xs = append(xs, from[0]+t*(to[0]-from[0]))
			ys = append(ys, from[1]+t*(to[1]-from[1]))
		}
	}
	return xs, ys
}
