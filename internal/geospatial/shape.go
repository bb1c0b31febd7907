// Package geospatial decodes geography GeoJSON and answers point
// containment queries. Supported shapes: Point (buffered to a circular
// polygon, meaning "within ~100 feet"), Polygon with holes,
// MultiPolygon, and FeatureCollection (match if inside any feature).
package geospatial

import (
	"encoding/json"
	"math"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	geom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/xy"

	"github.com/civicfleet/compliance-cli/internal/model"
)

// Point geometries are treated as circles of this radius (100 feet).
const pointBufferMeters = 30.48

// Edge count for the polygon approximating a buffered point.
const pointBufferEdges = 32

const earthRadiusMeters = 6371000

// ErrGeographyNotFound indicates a rule referenced a geography missing
// from the supplied geography list. Callers must pre-filter to the
// geographies the policy actually references.
var ErrGeographyNotFound = eris.New("geospatial: geography not found")

// Shape is a decoded geography geometry ready for containment queries.
type Shape struct {
	geoms []geom.T
}

// DecodeShape parses raw GeoJSON into a Shape. The input may be a bare
// geometry, a Feature, or a FeatureCollection.
func DecodeShape(raw json.RawMessage) (*Shape, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, eris.Wrap(err, "geospatial: geojson type")
	}

	switch tag.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(raw, &fc); err != nil {
			return nil, eris.Wrap(err, "geospatial: feature collection")
		}
		shape := &Shape{}
		for _, f := range fc.Features {
			if f.Geometry != nil {
				shape.geoms = append(shape.geoms, f.Geometry)
			}
		}
		return shape, nil
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, eris.Wrap(err, "geospatial: feature")
		}
		if f.Geometry == nil {
			return &Shape{}, nil
		}
		return &Shape{geoms: []geom.T{f.Geometry}}, nil
	default:
		var g geom.T
		if err := geojson.Unmarshal(raw, &g); err != nil {
			return nil, eris.Wrap(err, "geospatial: geometry")
		}
		return &Shape{geoms: []geom.T{g}}, nil
	}
}

// Contains reports whether the lng/lat point falls inside the shape.
func (s *Shape) Contains(lng, lat float64) bool {
	for _, g := range s.geoms {
		if geometryContains(g, lng, lat) {
			return true
		}
	}
	return false
}

func geometryContains(g geom.T, lng, lat float64) bool {
	pt := geom.Coord{lng, lat}
	switch shape := g.(type) {
	case *geom.Polygon:
		return polygonContains(shape, pt)
	case *geom.MultiPolygon:
		for i := 0; i < shape.NumPolygons(); i++ {
			if polygonContains(shape.Polygon(i), pt) {
				return true
			}
		}
		return false
	case *geom.Point:
		return polygonContains(bufferPoint(shape), pt)
	case *geom.GeometryCollection:
		for _, sub := range shape.Geoms() {
			if geometryContains(sub, lng, lat) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// polygonContains tests the outer ring and subtracts holes: a point
// inside the outer ring but inside any hole is not contained.
func polygonContains(poly *geom.Polygon, pt geom.Coord) bool {
	if poly.NumLinearRings() == 0 {
		return false
	}
	if !xy.IsPointInRing(poly.Layout(), pt, poly.LinearRing(0).FlatCoords()) {
		return false
	}
	for i := 1; i < poly.NumLinearRings(); i++ {
		if xy.IsPointInRing(poly.Layout(), pt, poly.LinearRing(i).FlatCoords()) {
			return false
		}
	}
	return true
}

// bufferPoint approximates a circle around the point as a 32-gon.
func bufferPoint(p *geom.Point) *geom.Polygon {
	lng, lat := p.X(), p.Y()
	flat := make([]float64, 0, (pointBufferEdges+1)*2)
	for i := 0; i <= pointBufferEdges; i++ {
		bearing := 2 * math.Pi * float64(i) / pointBufferEdges
		dLng, dLat := offset(lng, lat, pointBufferMeters, bearing)
		flat = append(flat, dLng, dLat)
	}
	return geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)})
}

// offset computes the destination point at the given distance and
// bearing from (lng, lat) on a spherical earth.
func offset(lng, lat, meters, bearing float64) (float64, float64) {
	angular := meters / earthRadiusMeters
	lat1 := lat * math.Pi / 180
	lng1 := lng * math.Pi / 180
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) + math.Cos(lat1)*math.Sin(angular)*math.Cos(bearing))
	lng2 := lng1 + math.Atan2(
		math.Sin(bearing)*math.Sin(angular)*math.Cos(lat1),
		math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2),
	)
	return lng2 * 180 / math.Pi, lat2 * 180 / math.Pi
}

// Index is a set of decoded shapes keyed by geography id, built once per
// evaluation so rule matching never re-parses GeoJSON.
type Index struct {
	shapes map[uuid.UUID]*Shape
}

// NewIndex decodes every geography's geometry. A geography that fails to
// decode fails the whole index build.
func NewIndex(geographies []model.Geography) (*Index, error) {
	idx := &Index{shapes: make(map[uuid.UUID]*Shape, len(geographies))}
	for _, g := range geographies {
		shape, err := DecodeShape(g.GeographyJSON)
		if err != nil {
			return nil, eris.Wrapf(err, "geospatial: geography %s", g.GeographyID)
		}
		idx.shapes[g.GeographyID] = shape
	}
	return idx, nil
}

// Shape returns the decoded shape for a geography id, or
// ErrGeographyNotFound if the id was not in the indexed set.
func (idx *Index) Shape(id uuid.UUID) (*Shape, error) {
	shape, ok := idx.shapes[id]
	if !ok {
		return nil, eris.Wrapf(ErrGeographyNotFound, "%s", id)
	}
	return shape, nil
}

// Contains reports whether the point is inside the identified geography.
// Lookup of an unknown geography id is an error, not a miss.
func (idx *Index) Contains(id uuid.UUID, lng, lat float64) (bool, error) {
	shape, err := idx.Shape(id)
	if err != nil {
		return false, err
	}
	return shape.Contains(lng, lat), nil
}
