package spatial

import (
	"fmt"
	"sort"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"

	"github.com/stravagonuts/regions-backend-go/internal/models"
)

// Index answers point-containment and bounding-box queries over the region
// reference set. All geometries are indexed into a single s2.ShapeIndex at
// build time; after Build returns the index is immutable and safe for
// concurrent lookups without locking.
//
// Boundary policy: containment uses the closed vertex model, so a point
// lying exactly on a shared border or vertex matches every adjacent region.
type Index struct {
	index  *s2.ShapeIndex
	shapes map[s2.Shape]*models.Region
	bounds []regionBound
}

type regionBound struct {
	rect   s2.Rect
	region *models.Region
}

// BuildIndex bulk-loads all region geometries. Regions without geometry are
// skipped; an unparsable geometry is a fatal reference-data error.
func BuildIndex(regions []*models.Region) (*Index, error) {
	idx := &Index{
		index:  s2.NewShapeIndex(),
		shapes: make(map[s2.Shape]*models.Region, len(regions)),
	}

	for _, region := range regions {
		if region.Geometry == nil {
			continue
		}
		polygon, err := polygonFromGeometry(region.Geometry)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", region.ID, err)
		}
		if polygon == nil {
			continue
		}
		idx.index.Add(polygon)
		idx.shapes[polygon] = region
		idx.bounds = append(idx.bounds, regionBound{rect: polygon.RectBound(), region: region})
	}

	// Force the one-time index build so the first query does not pay for it
	idx.index.Build()

	return idx, nil
}

// QueryPoint returns the regions whose polygon contains the point, at all
// levels present in the index, ordered coarsest level first
func (x *Index) QueryPoint(lat, lon float64) []*models.Region {
	point := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))

	// ContainsPointQuery is cheap to construct and not safe for concurrent
	// use, so each lookup gets its own.
	query := s2.NewContainsPointQuery(x.index, s2.VertexModelClosed)

	var matches []*models.Region
	for _, shape := range query.ContainingShapes(point) {
		if region, ok := x.shapes[shape]; ok {
			matches = append(matches, region)
		}
	}

	sortRegions(matches)
	return matches
}

// QueryBBox returns the candidate regions whose bounding rectangle
// intersects the given box. Intended for coarse filtering; callers needing
// exact intersection must follow up with geometry tests.
func (x *Index) QueryBBox(minLat, minLon, maxLat, maxLon float64) []*models.Region {
	rect := s2.RectFromLatLng(s2.LatLngFromDegrees(minLat, minLon))
	rect = rect.AddPoint(s2.LatLngFromDegrees(maxLat, maxLon))

	var matches []*models.Region
	for _, b := range x.bounds {
		if rect.Intersects(b.rect) {
			matches = append(matches, b.region)
		}
	}

	sortRegions(matches)
	return matches
}

// Len returns the number of indexed geometries
func (x *Index) Len() int {
	return len(x.shapes)
}

func sortRegions(regions []*models.Region) {
	sort.Slice(regions, func(i, j int) bool {
		if regions[i].Level != regions[j].Level {
			return regions[i].Level.Order() < regions[j].Level.Order()
		}
		return regions[i].ID < regions[j].ID
	})
}

func polygonFromGeometry(g orb.Geometry) (*s2.Polygon, error) {
	var loops []*s2.Loop

	switch geom := g.(type) {
	case orb.Polygon:
		loops = appendRingLoops(loops, geom)
	case orb.MultiPolygon:
		for _, polygon := range geom {
			loops = appendRingLoops(loops, polygon)
		}
	default:
		return nil, fmt.Errorf("unsupported geometry type %T", g)
	}

	if len(loops) == 0 {
		return nil, nil
	}
	return s2.PolygonFromLoops(loops), nil
}

func appendRingLoops(loops []*s2.Loop, polygon orb.Polygon) []*s2.Loop {
	for _, ring := range polygon {
		if loop := loopFromRing(ring); loop != nil {
			loops = append(loops, loop)
		}
	}
	return loops
}

func loopFromRing(ring orb.Ring) *s2.Loop {
	n := len(ring)
	// GeoJSON rings repeat the first vertex at the end; s2 loops must not
	if n > 1 && ring[0] == ring[n-1] {
		n--
	}
	if n < 3 {
		return nil
	}

	points := make([]s2.Point, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, s2.PointFromLatLng(s2.LatLngFromDegrees(ring[i][1], ring[i][0])))
	}

	loop := s2.LoopFromPoints(points)
	// Orient the loop so its interior is the smaller area, regardless of
	// the winding order in the source data
	loop.Normalize()
	return loop
}
