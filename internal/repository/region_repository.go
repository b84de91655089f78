package repository

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/stravagonuts/regions-backend-go/internal/database"
	"github.com/stravagonuts/regions-backend-go/internal/models"
)

// RegionRepository handles the read-only region reference dataset: LAU and
// NUTS polygons plus the LAU→NUTS correspondence table. The running
// application only ever bulk-loads it; writes happen at bootstrap or on an
// explicit region-database reset.
type RegionRepository struct {
	db *sql.DB
}

// NewRegionRepository creates a new region repository
func NewRegionRepository(db *sql.DB) *RegionRepository {
	return &RegionRepository{db: db}
}

// LoadAll reads the complete reference dataset into memory, parsing region
// geometries at the store boundary
func (r *RegionRepository) LoadAll() (*models.RegionSet, error) {
	var regions []*models.Region

	rows, err := r.db.Query("SELECT lau_id, name, country_code, geometry FROM lau_regions")
	if err != nil {
		return nil, fmt.Errorf("failed to query LAU regions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		region, err := scanRegion(rows, models.LevelLAU)
		if err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read LAU regions: %w", err)
	}

	nutsRows, err := r.db.Query("SELECT nuts_code, name, level, country_code, geometry FROM nuts_regions")
	if err != nil {
		return nil, fmt.Errorf("failed to query NUTS regions: %w", err)
	}
	defer nutsRows.Close()

	for nutsRows.Next() {
		var (
			id                      string
			name, country, geomText sql.NullString
			nutsLevel               int
		)
		if err := nutsRows.Scan(&id, &name, &nutsLevel, &country, &geomText); err != nil {
			return nil, fmt.Errorf("failed to scan NUTS region: %w", err)
		}
		level, ok := models.NUTSLevel(nutsLevel)
		if !ok {
			return nil, fmt.Errorf("NUTS region %s has invalid level %d", id, nutsLevel)
		}
		region := &models.Region{ID: id, Name: name.String, Level: level, CountryCode: country.String}
		if geomText.String != "" {
			geometry, err := parseGeometry(geomText.String)
			if err != nil {
				return nil, fmt.Errorf("NUTS region %s: %w", id, err)
			}
			region.Geometry = geometry
		}
		regions = append(regions, region)
	}
	if err := nutsRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read NUTS regions: %w", err)
	}

	corr, err := r.loadCorrespondence()
	if err != nil {
		return nil, err
	}

	log.Printf("[REGIONS] Loaded %d regions, %d LAU-NUTS mappings", len(regions), len(corr))
	return models.NewRegionSet(regions, corr), nil
}

func (r *RegionRepository) loadCorrespondence() (map[string]models.Correspondence, error) {
	rows, err := r.db.Query(`
		SELECT lau_id, nuts0_code, nuts1_code, nuts2_code, nuts3_code
		FROM lau_nuts_mapping
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query LAU-NUTS mappings: %w", err)
	}
	defer rows.Close()

	corr := make(map[string]models.Correspondence)
	for rows.Next() {
		var c models.Correspondence
		if err := rows.Scan(&c.LAUID, &c.NUTS0, &c.NUTS1, &c.NUTS2, &c.NUTS3); err != nil {
			return nil, fmt.Errorf("failed to scan LAU-NUTS mapping: %w", err)
		}
		corr[c.LAUID] = c
	}
	return corr, rows.Err()
}

// Counts reports the state of the reference database
func (r *RegionRepository) Counts() (models.RegionCounts, error) {
	counts := models.RegionCounts{NUTS: make(map[int]int)}

	if err := r.db.QueryRow("SELECT COUNT(*) FROM lau_regions").Scan(&counts.LAU); err != nil {
		return counts, fmt.Errorf("failed to count LAU regions: %w", err)
	}
	for level := 0; level <= 3; level++ {
		var n int
		if err := r.db.QueryRow("SELECT COUNT(*) FROM nuts_regions WHERE level = ?", level).Scan(&n); err != nil {
			return counts, fmt.Errorf("failed to count NUTS%d regions: %w", level, err)
		}
		counts.NUTS[level] = n
	}
	if err := r.db.QueryRow("SELECT COUNT(*) FROM lau_nuts_mapping").Scan(&counts.Mappings); err != nil {
		return counts, fmt.Errorf("failed to count LAU-NUTS mappings: %w", err)
	}

	return counts, nil
}

// ClearAll wipes the reference dataset ahead of a reload
func (r *RegionRepository) ClearAll() error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		for _, table := range []string{"lau_regions", "nuts_regions", "lau_nuts_mapping"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// ImportFromFiles bulk-loads the reference bundle: a LAU FeatureCollection,
// a NUTS FeatureCollection, and the LAU→NUTS3 correspondence CSV (the
// coarser NUTS codes are prefixes of the NUTS3 code)
func (r *RegionRepository) ImportFromFiles(lauPath, nutsPath, csvPath string) error {
	if err := r.importLAU(lauPath); err != nil {
		return err
	}
	if err := r.importNUTS(nutsPath); err != nil {
		return err
	}
	if err := r.importCorrespondence(csvPath); err != nil {
		return err
	}
	return nil
}

func (r *RegionRepository) importLAU(path string) error {
	fc, err := readFeatureCollection(path)
	if err != nil {
		return fmt.Errorf("LAU bundle: %w", err)
	}

	err = database.Transaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO lau_regions (lau_id, name, country_code, geometry)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare LAU insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range fc.Features {
			id := propString(f.Properties, "GISCO_ID", "LAU_ID")
			if id == "" {
				continue
			}
			name := propString(f.Properties, "LAU_NAME", "NAME_LATN")
			country := propString(f.Properties, "CNTR_CODE")
			if country == "" && len(id) >= 2 {
				country = id[:2]
			}
			geomText, err := marshalGeometry(f)
			if err != nil {
				return fmt.Errorf("LAU %s: %w", id, err)
			}
			if _, err := stmt.Exec(id, name, country, geomText); err != nil {
				return fmt.Errorf("failed to insert LAU %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[REGIONS] Imported %d LAU regions from %s", len(fc.Features), path)
	return nil
}

func (r *RegionRepository) importNUTS(path string) error {
	fc, err := readFeatureCollection(path)
	if err != nil {
		return fmt.Errorf("NUTS bundle: %w", err)
	}

	err = database.Transaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO nuts_regions (nuts_code, name, level, country_code, geometry)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare NUTS insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range fc.Features {
			code := propString(f.Properties, "NUTS_ID", "NUTS_CODE")
			if code == "" {
				continue
			}
			name := propString(f.Properties, "NUTS_NAME", "NAME_LATN")
			level := propInt(f.Properties, "LEVL_CODE", len(code)-2)
			country := propString(f.Properties, "CNTR_CODE")
			if country == "" && len(code) >= 2 {
				country = code[:2]
			}
			geomText, err := marshalGeometry(f)
			if err != nil {
				return fmt.Errorf("NUTS %s: %w", code, err)
			}
			if _, err := stmt.Exec(code, name, level, country, geomText); err != nil {
				return fmt.Errorf("failed to insert NUTS %s: %w", code, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[REGIONS] Imported %d NUTS regions from %s", len(fc.Features), path)
	return nil
}

func (r *RegionRepository) importCorrespondence(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("correspondence table: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	count := 0
	err = database.Transaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO lau_nuts_mapping
			(lau_id, nuts0_code, nuts1_code, nuts2_code, nuts3_code)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare mapping insert: %w", err)
		}
		defer stmt.Close()

		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read correspondence row: %w", err)
			}
			if len(record) < 2 {
				continue
			}
			lauID := strings.TrimSpace(record[0])
			nuts3 := strings.TrimSpace(record[1])
			// Skip the header row and malformed NUTS3 codes
			if lauID == "" || len(nuts3) != 5 || strings.EqualFold(lauID, "lau_id") {
				continue
			}
			if _, err := stmt.Exec(lauID, nuts3[:2], nuts3[:3], nuts3[:4], nuts3); err != nil {
				return fmt.Errorf("failed to insert mapping for %s: %w", lauID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[REGIONS] Imported %d LAU-NUTS mappings from %s", count, path)
	return nil
}

func scanRegion(rows *sql.Rows, level models.Level) (*models.Region, error) {
	var (
		id            string
		name, country sql.NullString
		geomText      sql.NullString
	)
	if err := rows.Scan(&id, &name, &country, &geomText); err != nil {
		return nil, fmt.Errorf("failed to scan region: %w", err)
	}

	region := &models.Region{ID: id, Name: name.String, Level: level, CountryCode: country.String}
	if geomText.String != "" {
		geometry, err := parseGeometry(geomText.String)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", id, err)
		}
		region.Geometry = geometry
	}
	return region, nil
}

func parseGeometry(text string) (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("invalid geometry: %w", err)
	}
	return g.Geometry(), nil
}

func marshalGeometry(f *geojson.Feature) (sql.NullString, error) {
	if f.Geometry == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(geojson.NewGeometry(f.Geometry))
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode geometry: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func readFeatureCollection(path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("invalid GeoJSON in %s: %w", path, err)
	}
	return fc, nil
}

func propString(props geojson.Properties, keys ...string) string {
	for _, key := range keys {
		if v, ok := props[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func propInt(props geojson.Properties, key string, fallback int) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
