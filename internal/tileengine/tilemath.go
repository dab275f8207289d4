package tileengine

import "math"

// webMercatorExtent is the half-circumference of the Web Mercator
// projection of the Earth, in meters (EPSG:3857's valid coordinate
// range is [-webMercatorExtent, webMercatorExtent] on both axes).
const webMercatorExtent = 20037508.342789244

// TileBounds returns the EPSG:3857 bounding box (west, south, east,
// north) of XYZ tile z/x/y.
func TileBounds(z, x, y int) [4]float64 {
	n := math.Pow(2, float64(z))
	tileSize := 2 * webMercatorExtent / n

	west := -webMercatorExtent + float64(x)*tileSize
	east := west + tileSize
	north := webMercatorExtent - float64(y)*tileSize
	south := north - tileSize

	return [4]float64{west, south, east, north}
}
