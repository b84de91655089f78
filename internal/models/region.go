package models

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Level identifies an administrative level in the European LAU/NUTS hierarchy
type Level string

const (
	LevelLAU   Level = "lau"
	LevelNUTS0 Level = "nuts0"
	LevelNUTS1 Level = "nuts1"
	LevelNUTS2 Level = "nuts2"
	LevelNUTS3 Level = "nuts3"
)

// AllLevels returns the levels from coarsest NUTS to LAU
func AllLevels() []Level {
	return []Level{LevelNUTS0, LevelNUTS1, LevelNUTS2, LevelNUTS3, LevelLAU}
}

// NUTSLevel maps a numeric NUTS level (0-3) to its Level constant
func NUTSLevel(n int) (Level, bool) {
	switch n {
	case 0:
		return LevelNUTS0, true
	case 1:
		return LevelNUTS1, true
	case 2:
		return LevelNUTS2, true
	case 3:
		return LevelNUTS3, true
	}
	return "", false
}

// ParseLevel parses a level string as used in API query parameters
// ("lau", "0", "1", "2", "3" or the canonical names)
func ParseLevel(s string) (Level, error) {
	switch s {
	case string(LevelLAU):
		return LevelLAU, nil
	case "0", string(LevelNUTS0):
		return LevelNUTS0, nil
	case "1", string(LevelNUTS1):
		return LevelNUTS1, nil
	case "2", string(LevelNUTS2):
		return LevelNUTS2, nil
	case "3", string(LevelNUTS3):
		return LevelNUTS3, nil
	}
	return "", fmt.Errorf("invalid region level: %q", s)
}

// Order returns a sort key, coarsest first, LAU last
func (l Level) Order() int {
	switch l {
	case LevelNUTS0:
		return 0
	case LevelNUTS1:
		return 1
	case LevelNUTS2:
		return 2
	case LevelNUTS3:
		return 3
	case LevelLAU:
		return 4
	}
	return 5
}

// Region is an immutable reference region (a LAU commune or a NUTS unit).
// Geometry is parsed at the store boundary; regions without geometry are
// valid (some NUTS units in the reference bundle carry none) but cannot be
// matched spatially.
type Region struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Level       Level        `json:"level"`
	CountryCode string       `json:"country_code"`
	Geometry    orb.Geometry `json:"-"`
}

// Correspondence maps one LAU id to its ancestors at every NUTS level
type Correspondence struct {
	LAUID string
	NUTS0 string
	NUTS1 string
	NUTS2 string
	NUTS3 string
}

// AtLevel returns the ancestor id for the given NUTS level
func (c Correspondence) AtLevel(l Level) string {
	switch l {
	case LevelNUTS0:
		return c.NUTS0
	case LevelNUTS1:
		return c.NUTS1
	case LevelNUTS2:
		return c.NUTS2
	case LevelNUTS3:
		return c.NUTS3
	}
	return ""
}

// RegionSet is the in-memory reference dataset, loaded once per process
// lifetime and immutable afterwards. Safe for concurrent reads.
type RegionSet struct {
	Regions        []*Region
	Correspondence map[string]Correspondence

	byID map[string]*Region
}

// NewRegionSet builds the lookup structures over the loaded regions
func NewRegionSet(regions []*Region, corr map[string]Correspondence) *RegionSet {
	s := &RegionSet{
		Regions:        regions,
		Correspondence: corr,
		byID:           make(map[string]*Region, len(regions)),
	}
	for _, r := range regions {
		s.byID[r.ID] = r
	}
	return s
}

// Get returns the region with the given id, or nil
func (s *RegionSet) Get(id string) *Region {
	return s.byID[id]
}

// CountAtLevel returns how many regions exist at a level, optionally
// restricted to one country
func (s *RegionSet) CountAtLevel(level Level, countryCode string) int {
	n := 0
	for _, r := range s.Regions {
		if r.Level != level {
			continue
		}
		if countryCode != "" && r.CountryCode != countryCode {
			continue
		}
		n++
	}
	return n
}

// RegionMatch is one resolver result: a region touched by a track,
// tagged with its level
type RegionMatch struct {
	RegionID string `json:"region_id"`
	Level    Level  `json:"level"`
}

// RegionAggregate is a per-region rollup over activity links
type RegionAggregate struct {
	RegionID      string
	ActivityCount int
	FirstVisit    int64
}

// VisitedRegion is a visited region enriched with reference metadata,
// as returned by the regions API
type VisitedRegion struct {
	Code          string `json:"code"`
	Name          string `json:"region_name"`
	CountryCode   string `json:"country_code"`
	FirstVisited  int64  `json:"first_visited"`
	ActivityCount int    `json:"activity_count"`
}

// LevelTotals pairs visited and total region counts for one level
type LevelTotals struct {
	Visited int `json:"visited"`
	Total   int `json:"total"`
}

// RegionCounts describes the state of the reference database
type RegionCounts struct {
	LAU      int
	NUTS     map[int]int
	Mappings int
}

// Initialized reports whether the reference database holds a usable dataset
func (c RegionCounts) Initialized() bool {
	if c.LAU == 0 || c.Mappings == 0 {
		return false
	}
	for level := 0; level <= 3; level++ {
		if c.NUTS[level] == 0 {
			return false
		}
	}
	return true
}
