package db

import (
	"context"
	"fmt"
	"strings"
)

// Settings are the per-installation display preferences.
type Settings struct {
	Currency string `json:"currency"`
	Locale   string `json:"locale"`
	Theme    string `json:"theme"`
}

// DefaultSettings returns the settings used before anything is saved.
func DefaultSettings() Settings {
	return Settings{Currency: "USD", Locale: "en-US", Theme: "system"}
}

// Validate checks field formats.
func (s Settings) Validate() error {
	if len(s.Currency) != 3 || strings.ToUpper(s.Currency) != s.Currency {
		return fmt.Errorf("currency must be a 3-letter ISO code, got %q", s.Currency)
	}
	switch s.Theme {
	case "light", "dark", "system":
	default:
		return fmt.Errorf("theme must be light, dark or system, got %q", s.Theme)
	}
	if strings.TrimSpace(s.Locale) == "" {
		return fmt.Errorf("locale is required")
	}
	return nil
}

// GetSettings reads settings, filling unset keys with defaults.
func (d *DB) GetSettings(ctx context.Context) (Settings, error) {
	s := DefaultSettings()

	rows, err := d.sql.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return s, fmt.Errorf("get settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return s, fmt.Errorf("scan settings: %w", err)
		}
		switch k {
		case "currency":
			s.Currency = v
		case "locale":
			s.Locale = v
		case "theme":
			s.Theme = v
		}
	}
	return s, rows.Err()
}

// SaveSettings writes every settings key in one transaction.
func (d *DB) SaveSettings(ctx context.Context, s Settings) (Settings, error) {
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)")
	if err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	defer stmt.Close()

	for k, v := range map[string]string{
		"currency": s.Currency,
		"locale":   s.Locale,
		"theme":    s.Theme,
	} {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return Settings{}, fmt.Errorf("save settings %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return s, nil
}
