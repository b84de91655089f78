package repository

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/stravagonuts/regions-backend-go/internal/database"
	"github.com/stravagonuts/regions-backend-go/internal/models"
)

// Setting keys for remote-source credentials and token state
const (
	settingClientID     = "client_id"
	settingClientSecret = "client_secret"
	settingAccessToken  = "access_token"
	settingRefreshToken = "refresh_token"
	settingTokenExpires = "token_expires_at"
)

// SettingsRepository handles the key/value settings table, including the
// OAuth token state written by the external authorization flow
type SettingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns a setting value, or the empty string when unset
func (r *SettingsRepository) Get(key string) (string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// Set stores a setting value
func (r *SettingsRepository) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// ClientCredentials returns the remote-source application credentials
func (r *SettingsRepository) ClientCredentials() (string, string, error) {
	id, err := r.Get(settingClientID)
	if err != nil {
		return "", "", err
	}
	secret, err := r.Get(settingClientSecret)
	if err != nil {
		return "", "", err
	}
	return id, secret, nil
}

// SaveClientCredentials stores the remote-source application credentials
func (r *SettingsRepository) SaveClientCredentials(id, secret string) error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		for key, value := range map[string]string{
			settingClientID:     id,
			settingClientSecret: secret,
		} {
			if err := upsertSetting(tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Token returns the persisted OAuth token state
func (r *SettingsRepository) Token() (models.AuthToken, error) {
	var token models.AuthToken
	var err error

	if token.AccessToken, err = r.Get(settingAccessToken); err != nil {
		return token, err
	}
	if token.RefreshToken, err = r.Get(settingRefreshToken); err != nil {
		return token, err
	}
	expires, err := r.Get(settingTokenExpires)
	if err != nil {
		return token, err
	}
	if expires != "" {
		token.ExpiresAt, _ = strconv.ParseInt(expires, 10, 64)
	}
	return token, nil
}

// SaveToken persists a rotated OAuth token atomically
func (r *SettingsRepository) SaveToken(token models.AuthToken) error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		for key, value := range map[string]string{
			settingAccessToken:  token.AccessToken,
			settingRefreshToken: token.RefreshToken,
			settingTokenExpires: strconv.FormatInt(token.ExpiresAt, 10),
		} {
			if err := upsertSetting(tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes all settings, including credentials and token state
func (r *SettingsRepository) Clear() error {
	if _, err := r.db.Exec("DELETE FROM settings"); err != nil {
		return fmt.Errorf("failed to clear settings: %w", err)
	}
	return nil
}

func upsertSetting(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}
