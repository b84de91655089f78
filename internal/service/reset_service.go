package service

import (
	"errors"
	"fmt"
	"log"

	"github.com/stravagonuts/regions-backend-go/internal/repository"
	"github.com/stravagonuts/regions-backend-go/internal/spatial"
)

// ErrResetWhileSyncing means a reset was requested during a sync cycle
var ErrResetWhileSyncing = errors.New("cannot reset while a sync is running")

// ReferencePaths locates the on-disk reference bundle used to rebuild the
// regions database
type ReferencePaths struct {
	LAUGeoJSON        string
	NUTSGeoJSON       string
	CorrespondenceCSV string
}

// ResetService implements the destructive maintenance operations. All of
// them refuse to run while a sync cycle is in flight.
type ResetService struct {
	sync       *SyncService
	activities *repository.ActivityRepository
	settings   *repository.SettingsRepository
	regions    *repository.RegionRepository
	resolver   *RegionResolver
	regionSvc  *RegionService
	paths      ReferencePaths
}

// NewResetService creates a new reset service
func NewResetService(sync *SyncService, activities *repository.ActivityRepository,
	settings *repository.SettingsRepository, regions *repository.RegionRepository,
	resolver *RegionResolver, regionSvc *RegionService, paths ReferencePaths) *ResetService {
	return &ResetService{
		sync:       sync,
		activities: activities,
		settings:   settings,
		regions:    regions,
		resolver:   resolver,
		regionSvc:  regionSvc,
		paths:      paths,
	}
}

// ResetFull wipes everything user-related: activities, region links, the
// sync cursor, and all settings including credentials
func (s *ResetService) ResetFull() error {
	if s.sync.Running() {
		return ErrResetWhileSyncing
	}
	if err := s.activities.ClearActivities(); err != nil {
		return err
	}
	if err := s.settings.Clear(); err != nil {
		return err
	}
	log.Printf("[RESET] Full reset completed")
	return nil
}

// ResetUserData wipes activities, region links and the sync cursor but keeps
// credentials and token state, so the next sync refetches everything without
// reauthorization
func (s *ResetService) ResetUserData() error {
	if s.sync.Running() {
		return ErrResetWhileSyncing
	}
	if err := s.activities.ClearActivities(); err != nil {
		return err
	}
	log.Printf("[RESET] User data reset completed")
	return nil
}

// ResetMapArtifacts is the map/derived-artifact reset. Rendered map output
// lives outside this service, so there is nothing to delete here; the
// operation still refuses to run mid-sync to keep the reset surface uniform.
func (s *ResetService) ResetMapArtifacts() error {
	if s.sync.Running() {
		return ErrResetWhileSyncing
	}
	log.Printf("[RESET] Map artifacts reset: no derived artifacts managed here")
	return nil
}

// ResetRegions reimports the reference bundle from disk and swaps the new
// dataset into the resolver and the query services atomically
func (s *ResetService) ResetRegions() error {
	if s.sync.Running() {
		return ErrResetWhileSyncing
	}

	if err := s.regions.ClearAll(); err != nil {
		return err
	}
	if err := s.regions.ImportFromFiles(s.paths.LAUGeoJSON, s.paths.NUTSGeoJSON, s.paths.CorrespondenceCSV); err != nil {
		return fmt.Errorf("region reimport failed: %w", err)
	}

	set, err := s.regions.LoadAll()
	if err != nil {
		return err
	}
	if err := ValidateReferenceData(set); err != nil {
		return fmt.Errorf("reimported reference data is inconsistent: %w", err)
	}

	index, err := spatial.BuildIndex(set.Regions)
	if err != nil {
		return fmt.Errorf("failed to rebuild spatial index: %w", err)
	}

	s.resolver.Reload(index, set)
	s.regionSvc.Reload(set)
	log.Printf("[RESET] Region data reset completed, %d geometries indexed", index.Len())
	return nil
}
