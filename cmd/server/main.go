package main

import (
	"log"
	"os"

	"github.com/stravagonuts/regions-backend-go/internal/api"
	"github.com/stravagonuts/regions-backend-go/internal/config"
	"github.com/stravagonuts/regions-backend-go/internal/database"
	"github.com/stravagonuts/regions-backend-go/internal/handler"
	"github.com/stravagonuts/regions-backend-go/internal/models"
	"github.com/stravagonuts/regions-backend-go/internal/repository"
	"github.com/stravagonuts/regions-backend-go/internal/service"
	"github.com/stravagonuts/regions-backend-go/internal/spatial"
	"github.com/stravagonuts/regions-backend-go/internal/strava"
)

func main() {
	cfg := config.Load()

	db, err := database.Open(cfg.UserDBPath, cfg.RegionsDBPath)
	if err != nil {
		log.Fatal("Failed to open databases:", err)
	}
	defer db.Close()

	if err := database.Migrate(db.User, database.UserMigrations); err != nil {
		log.Fatal("Failed to migrate user database:", err)
	}
	if err := database.Migrate(db.Regions, database.RegionMigrations); err != nil {
		log.Fatal("Failed to migrate regions database:", err)
	}

	activityRepo := repository.NewActivityRepository(db.User)
	settingsRepo := repository.NewSettingsRepository(db.User)
	regionRepo := repository.NewRegionRepository(db.Regions)

	set, index := loadReferenceData(cfg, regionRepo)

	client := strava.NewClient(settingsRepo)
	resolver := service.NewRegionResolver(index, set, cfg.SampleDistanceM)
	regionService := service.NewRegionService(set, activityRepo)
	syncService := service.NewSyncService(client, activityRepo, resolver,
		cfg.SyncPageSize, cfg.TrackWorkers)
	resetService := service.NewResetService(syncService, activityRepo, settingsRepo,
		regionRepo, resolver, regionService, service.ReferencePaths{
			LAUGeoJSON:        cfg.LAUGeoJSONPath,
			NUTSGeoJSON:       cfg.NUTSGeoJSONPath,
			CorrespondenceCSV: cfg.CorrespondenceCSV,
		})

	router := api.SetupRouter(cfg.APISecret, api.Handlers{
		Sync:   handler.NewSyncHandler(syncService, activityRepo),
		Region: handler.NewRegionHandler(regionService),
		Reset:  handler.NewResetHandler(resetService),
		Auth:   handler.NewAuthHandler(settingsRepo, cfg.APISecret),
	})

	log.Printf("Server starting on port %s", cfg.Port)
	if err := router.Run(cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

// loadReferenceData readies the region reference dataset: an empty regions
// database is bootstrapped from the on-disk bundle, then everything is
// loaded, validated and indexed. Any inconsistency is fatal.
func loadReferenceData(cfg *config.Config, regionRepo *repository.RegionRepository) (*models.RegionSet, *spatial.Index) {
	counts, err := regionRepo.Counts()
	if err != nil {
		log.Fatal("Failed to inspect regions database:", err)
	}

	if !counts.Initialized() {
		if _, err := os.Stat(cfg.LAUGeoJSONPath); err != nil {
			log.Fatalf("Regions database is empty and reference bundle is missing at %s", cfg.LAUGeoJSONPath)
		}
		log.Printf("Regions database is empty, importing reference bundle")
		if err := regionRepo.ImportFromFiles(cfg.LAUGeoJSONPath, cfg.NUTSGeoJSONPath, cfg.CorrespondenceCSV); err != nil {
			log.Fatal("Failed to import reference bundle:", err)
		}
	}

	set, err := regionRepo.LoadAll()
	if err != nil {
		log.Fatal("Failed to load reference data:", err)
	}
	if err := service.ValidateReferenceData(set); err != nil {
		log.Fatal("Reference data is inconsistent:", err)
	}

	index, err := spatial.BuildIndex(set.Regions)
	if err != nil {
		log.Fatal("Failed to build spatial index:", err)
	}
	log.Printf("Spatial index ready: %d geometries", index.Len())

	return set, index
}
