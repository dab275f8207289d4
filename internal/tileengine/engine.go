// Package tileengine implements the raster tile pipeline: given a
// dataset's key values and a target Web Mercator bounding box, it locates
// the source raster, reprojects it into a virtual raster sized to cover
// both the raster's own default footprint and the requested bounds (or
// just the default footprint, if no bounds are given), and reads back
// exactly width x height resampled pixels.
package tileengine

import (
	"context"
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
	"golang.org/x/sync/singleflight"

	"rastertile/internal/driver"
	"rastertile/internal/raster"
	"rastertile/internal/rterrors"
	"rastertile/internal/settings"
	"rastertile/internal/tilecache"
)

// minWindowRatio is the smallest allowed ratio of the dataset's
// default-warp pixel area to the request window's pixel area; below it
// the dataset's data covers less than 0.1% of the tile and the request
// is rejected.
const minWindowRatio = 0.001

// lowZoomRatio is the window ratio below which linear/cubic resampling
// is swapped for averaging (nearest is kept), so sparse high-zoom source data
// doesn't alias badly when downsampled for a low-zoom tile.
const lowZoomRatio = 0.1

// Tile is one decoded, not-yet-encoded tile: raw resampled float64
// pixels plus the nodata sentinel callers should treat as transparent.
type Tile struct {
	Data   []float64
	Width  int
	Height int
	NoData float64
}

// Engine renders tiles for datasets registered in a driver.Driver,
// coalescing concurrent identical requests and caching decoded results.
type Engine struct {
	drv        driver.Driver
	cache      *tilecache.Cache
	resampling settings.ResamplingMethod
	sf         singleflight.Group
}

// New builds an Engine reading datasets through drv, caching decoded
// tiles in cache, and defaulting to resampling for requests that don't
// need the low-zoom average fallback.
func New(drv driver.Driver, cache *tilecache.Cache, resampling settings.ResamplingMethod) *Engine {
	return &Engine{drv: drv, cache: cache, resampling: resampling}
}

// GetTile renders a width x height tile covering bounds (EPSG:3857) for
// the dataset registered under keys, using nodata as both the source and
// destination nodata sentinel. keys is either an ordered []string (the
// driver's declared key order) or a map[string]string keyed by declared
// key name; a map naming an undeclared key fails with UnknownKey. A nil
// bounds renders the dataset's own default reprojected footprint instead
// of a specific tile (spec's "bounds=None" path).
func (e *Engine) GetTile(ctx context.Context, keys interface{}, bounds *raster.Bounds, width, height int, nodata float64) (*Tile, error) {
	keyValues, err := e.normalizeKeys(ctx, keys)
	if err != nil {
		return nil, err
	}

	var boundsArr [4]float64
	hasBounds := bounds != nil
	if hasBounds {
		boundsArr = [4]float64(*bounds)
	}
	cacheKey := tilecache.Key(keyValues, hasBounds, boundsArr, width, height, nodata, string(e.resampling))

	if data, ok := e.cache.Get(cacheKey); ok {
		return decodeTile(data)
	}

	result, err, _ := e.sf.Do(cacheKey, func() (interface{}, error) {
		if data, ok := e.cache.Get(cacheKey); ok {
			return decodeTile(data)
		}

		release, err := e.drv.Connect(ctx)
		if err != nil {
			return nil, err
		}
		defer release()

		ds, err := e.drv.Get(ctx, keyValues)
		if err != nil {
			return nil, err
		}

		tile, err := e.renderTile(ds.Path, nodata, bounds, width, height)
		if err != nil {
			return nil, err
		}

		e.cache.Add(cacheKey, encodeTile(tile))
		return tile, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Tile), nil
}

// normalizeKeys turns keys into the driver's ordered key-value sequence
// (spec.md §4.E step 1). An ordered []string is trusted as-is — callers
// already know the driver's declared order, and validating it would cost
// this, the common, path a Connect scope it doesn't otherwise need. A
// map[string]string is resolved against the driver's declared schema,
// which does require one.
func (e *Engine) normalizeKeys(ctx context.Context, keys interface{}) ([]string, error) {
	switch k := keys.(type) {
	case []string:
		return k, nil
	case map[string]string:
		release, err := e.drv.Connect(ctx)
		if err != nil {
			return nil, err
		}
		defer release()

		schema, err := e.drv.Keys(ctx)
		if err != nil {
			return nil, err
		}
		declared := make(map[string]bool, len(schema))
		for _, kd := range schema {
			declared[kd.Name] = true
		}
		for name := range k {
			if !declared[name] {
				return nil, rterrors.New(rterrors.UnknownKey, "unknown key "+name)
			}
		}

		out := make([]string, len(schema))
		for i, kd := range schema {
			v, ok := k[kd.Name]
			if !ok {
				return nil, rterrors.New(rterrors.UnknownKey, "missing value for key "+kd.Name)
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, rterrors.New(rterrors.ConfigError, "keys must be an ordered []string or a map[string]string")
	}
}

func (e *Engine) renderTile(path string, nodata float64, bounds *raster.Bounds, width, height int) (*Tile, error) {
	src, err := raster.Open(path)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "error while reading file "+path, err)
	}
	defer src.Close()

	resamplingAlg, err := raster.Resampling(e.resampling)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.ConfigError, "resolve resampling method", err)
	}

	webMercator, err := godal.NewSpatialRefFromEPSG(3857)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "create EPSG:3857 spatial reference", err)
	}
	defer webMercator.Close()

	dstTransform, dstWidth, dstHeight, dstBounds, err := raster.DefaultWarp(src, webMercator, resamplingAlg)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "compute default reprojected transform", err)
	}

	vrtBounds := dstBounds
	vrtWidth, vrtHeight := dstWidth, dstHeight
	vrtTransform := dstTransform
	if bounds != nil {
		vrtBounds = dstBounds.Union(*bounds)

		pixelX := dstTransform.PixelSizeX()
		pixelY := dstTransform.PixelSizeY()
		vrtWidth = int(math.Ceil((vrtBounds.MaxX() - vrtBounds.MinX()) / pixelX))
		vrtHeight = int(math.Ceil((vrtBounds.MinY() - vrtBounds.MaxY()) / pixelY))
		vrtTransform = raster.TransformFromBounds(vrtBounds, vrtWidth, vrtHeight)
	}

	warped, err := raster.Warp(src, raster.WarpOptions{
		DstSR:          webMercator,
		Resampling:     resamplingAlg,
		Transform:      vrtTransform,
		Width:          vrtWidth,
		Height:         vrtHeight,
		SrcNoData:      nodata,
		DstNoData:      nodata,
		InitDestNoData: true,
	})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "build warped virtual raster", err)
	}
	defer warped.Close()

	outWindow := raster.Window{X0: 0, Y0: 0, W: vrtWidth, H: vrtHeight}
	if bounds != nil {
		outWindow = raster.WindowFromBounds(vrtTransform, *bounds)
	}

	windowRatio := (float64(dstWidth) / float64(outWindow.W)) * (float64(dstHeight) / float64(outWindow.H))
	if windowRatio < minWindowRatio {
		return nil, rterrors.New(rterrors.TileOutOfBounds, "data covers less than 0.1% of tile")
	}

	readResampling := resamplingAlg
	if windowRatio < lowZoomRatio && e.resampling != settings.Nearest {
		readResampling, err = raster.Resampling(settings.Average)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.ConfigError, "resolve average resampling method", err)
		}
	}

	data, err := warped.ReadResampled(outWindow, width, height, readResampling)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "read resampled tile", err)
	}

	return &Tile{Data: data, Width: width, Height: height, NoData: nodata}, nil
}

// encodeTile/decodeTile let the engine share its byte-budgeted tile
// cache (which only knows about []byte) with the float64 pixel buffers
// the rest of the pipeline works in.
func encodeTile(t *Tile) []byte {
	buf := make([]byte, 16+len(t.Data)*8)
	putUint32(buf[0:4], uint32(t.Width))
	putUint32(buf[4:8], uint32(t.Height))
	putUint64(buf[8:16], math.Float64bits(t.NoData))
	for i, v := range t.Data {
		putUint64(buf[16+i*8:24+i*8], math.Float64bits(v))
	}
	return buf
}

func decodeTile(buf []byte) (*Tile, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("corrupt cached tile: too short")
	}
	width := int(getUint32(buf[0:4]))
	height := int(getUint32(buf[4:8]))
	nodata := math.Float64frombits(getUint64(buf[8:16]))

	n := width * height
	if len(buf) != 16+n*8 {
		return nil, fmt.Errorf("corrupt cached tile: length mismatch")
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Float64frombits(getUint64(buf[16+i*8 : 24+i*8]))
	}
	return &Tile{Data: data, Width: width, Height: height, NoData: nodata}, nil
}

func putUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
