package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Port          string
	UserDBPath    string
	RegionsDBPath string
	APISecret     string

	// Reference-data bundle used to (re)build the regions database
	LAUGeoJSONPath    string
	NUTSGeoJSONPath   string
	CorrespondenceCSV string

	// Sync tuning
	SyncPageSize    int
	TrackWorkers    int
	SampleDistanceM float64
}

// Load reads configuration from the environment, with a .env file as
// fallback for local development
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getenv("PORT", ":8080"),
		UserDBPath:    getenv("USER_DB_PATH", "./data/user.db"),
		RegionsDBPath: getenv("REGIONS_DB_PATH", "./data/regions.db"),
		APISecret:     getenv("API_SECRET", "change-me-in-production"),

		LAUGeoJSONPath:    getenv("LAU_GEOJSON_PATH", "./nuts_data/lau.geojson"),
		NUTSGeoJSONPath:   getenv("NUTS_GEOJSON_PATH", "./nuts_data/nuts.geojson"),
		CorrespondenceCSV: getenv("LAU_NUTS_CSV_PATH", "./nuts_data/lau_nuts.csv"),

		SyncPageSize:    getenvInt("SYNC_PAGE_SIZE", 200),
		TrackWorkers:    getenvInt("TRACK_WORKERS", 4),
		SampleDistanceM: getenvFloat("SAMPLE_DISTANCE_M", 100),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
