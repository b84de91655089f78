package service

import (
	"sort"
	"sync"

	"github.com/stravagonuts/regions-backend-go/internal/models"
	"github.com/stravagonuts/regions-backend-go/internal/repository"
)

// RegionService answers the read-side queries over visited regions: the
// per-level region lists, the visited-country list and the coverage totals.
// Aggregates come from the activity dataset; names and country codes from
// the in-memory reference set.
type RegionService struct {
	mu         sync.RWMutex
	set        *models.RegionSet
	activities *repository.ActivityRepository
}

// NewRegionService creates a new region query service
func NewRegionService(set *models.RegionSet, activities *repository.ActivityRepository) *RegionService {
	return &RegionService{set: set, activities: activities}
}

// Reload swaps in a freshly imported reference dataset
func (s *RegionService) Reload(set *models.RegionSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = set
}

func (s *RegionService) regionSet() *models.RegionSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

// VisitedRegions lists the visited regions at one level, optionally
// restricted to a country, ordered by first visit
func (s *RegionService) VisitedRegions(level models.Level, countryCode string) ([]models.VisitedRegion, error) {
	aggregates, err := s.activities.VisitedRegionAggregates(level)
	if err != nil {
		return nil, err
	}
	set := s.regionSet()

	visited := make([]models.VisitedRegion, 0, len(aggregates))
	for _, agg := range aggregates {
		region := set.Get(agg.RegionID)
		if region == nil {
			// Links can outlive a region-data reload; skip orphans
			continue
		}
		if countryCode != "" && region.CountryCode != countryCode {
			continue
		}
		visited = append(visited, models.VisitedRegion{
			Code:          region.ID,
			Name:          region.Name,
			CountryCode:   region.CountryCode,
			FirstVisited:  agg.FirstVisit,
			ActivityCount: agg.ActivityCount,
		})
	}

	sort.Slice(visited, func(i, j int) bool {
		if visited[i].FirstVisited != visited[j].FirstVisited {
			return visited[i].FirstVisited < visited[j].FirstVisited
		}
		return visited[i].Code < visited[j].Code
	})
	return visited, nil
}

// VisitedCountries lists the country codes with at least one visited region,
// sorted alphabetically
func (s *RegionService) VisitedCountries() ([]string, error) {
	aggregates, err := s.activities.VisitedRegionAggregates(models.LevelNUTS0)
	if err != nil {
		return nil, err
	}
	set := s.regionSet()

	seen := make(map[string]bool)
	for _, agg := range aggregates {
		if region := set.Get(agg.RegionID); region != nil && region.CountryCode != "" {
			seen[region.CountryCode] = true
		}
	}

	countries := make([]string, 0, len(seen))
	for code := range seen {
		countries = append(countries, code)
	}
	sort.Strings(countries)
	return countries, nil
}

// Totals reports visited versus total region counts per level, optionally
// restricted to one country
func (s *RegionService) Totals(countryCode string) (map[models.Level]models.LevelTotals, error) {
	set := s.regionSet()
	totals := make(map[models.Level]models.LevelTotals, len(models.AllLevels()))

	for _, level := range models.AllLevels() {
		aggregates, err := s.activities.VisitedRegionAggregates(level)
		if err != nil {
			return nil, err
		}

		visited := 0
		for _, agg := range aggregates {
			region := set.Get(agg.RegionID)
			if region == nil {
				continue
			}
			if countryCode != "" && region.CountryCode != countryCode {
				continue
			}
			visited++
		}

		totals[level] = models.LevelTotals{
			Visited: visited,
			Total:   set.CountAtLevel(level, countryCode),
		}
	}

	return totals, nil
}
