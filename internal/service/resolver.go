package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stravagonuts/regions-backend-go/internal/models"
	"github.com/stravagonuts/regions-backend-go/internal/spatial"
)

// RegionResolver maps a GPS track to the set of regions it touched: the LAU
// communes containing sampled points, expanded to their NUTS ancestors via
// the correspondence table.
//
// The reference dataset and index are swapped atomically on a region-data
// reset; individual resolutions run against one consistent pair.
type RegionResolver struct {
	mu              sync.RWMutex
	index           *spatial.Index
	set             *models.RegionSet
	sampleDistanceM float64
}

// NewRegionResolver creates a resolver over a built spatial index
func NewRegionResolver(index *spatial.Index, set *models.RegionSet, sampleDistanceM float64) *RegionResolver {
	return &RegionResolver{index: index, set: set, sampleDistanceM: sampleDistanceM}
}

// Reload swaps in a freshly imported reference dataset
func (r *RegionResolver) Reload(index *spatial.Index, set *models.RegionSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = index
	r.set = set
}

// Resolve returns the regions touched by the track, deduplicated and sorted
// coarsest level first. An empty track resolves to no regions; a track
// entirely outside the reference coverage does too.
func (r *RegionResolver) Resolve(track []models.TrackPoint) []models.RegionMatch {
	r.mu.RLock()
	index, set := r.index, r.set
	sampleDistance := r.sampleDistanceM
	r.mu.RUnlock()

	if len(track) == 0 {
		return nil
	}

	laus := make(map[string]bool)
	var lastLat, lastLon float64
	for i, point := range track {
		// Sample by distance stride; the first and last points always count
		if i > 0 && i < len(track)-1 &&
			spatial.HaversineDistance(lastLat, lastLon, point.Lat, point.Lon) < sampleDistance {
			continue
		}
		lastLat, lastLon = point.Lat, point.Lon

		for _, region := range index.QueryPoint(point.Lat, point.Lon) {
			if region.Level == models.LevelLAU {
				laus[region.ID] = true
			}
		}
	}

	if len(laus) == 0 {
		return nil
	}

	seen := make(map[string]models.Level)
	for lauID := range laus {
		seen[lauID] = models.LevelLAU
		corr, ok := set.Correspondence[lauID]
		if !ok {
			continue
		}
		for _, level := range []models.Level{models.LevelNUTS0, models.LevelNUTS1, models.LevelNUTS2, models.LevelNUTS3} {
			if id := corr.AtLevel(level); id != "" {
				seen[id] = level
			}
		}
	}

	matches := make([]models.RegionMatch, 0, len(seen))
	for id, level := range seen {
		matches = append(matches, models.RegionMatch{RegionID: id, Level: level})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Level != matches[j].Level {
			return matches[i].Level.Order() < matches[j].Level.Order()
		}
		return matches[i].RegionID < matches[j].RegionID
	})
	return matches
}

// ValidateReferenceData checks the reference dataset for internal
// consistency before serving: every LAU region must have a correspondence
// row, every correspondence row must point at known regions. A violation is
// a fatal startup error.
func ValidateReferenceData(set *models.RegionSet) error {
	for _, region := range set.Regions {
		if region.Level != models.LevelLAU {
			continue
		}
		if _, ok := set.Correspondence[region.ID]; !ok {
			return fmt.Errorf("LAU region %s has no NUTS correspondence", region.ID)
		}
	}

	for lauID, corr := range set.Correspondence {
		if set.Get(lauID) == nil {
			return fmt.Errorf("correspondence row for unknown LAU region %s", lauID)
		}
		for _, level := range []models.Level{models.LevelNUTS0, models.LevelNUTS1, models.LevelNUTS2, models.LevelNUTS3} {
			id := corr.AtLevel(level)
			if id == "" {
				return fmt.Errorf("LAU region %s has no %s ancestor", lauID, level)
			}
			ancestor := set.Get(id)
			if ancestor == nil {
				return fmt.Errorf("LAU region %s maps to unknown %s region %s", lauID, level, id)
			}
			if ancestor.Level != level {
				return fmt.Errorf("LAU region %s maps to %s at wrong level %s", lauID, id, ancestor.Level)
			}
		}
	}

	return nil
}
