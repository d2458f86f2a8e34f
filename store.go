package main

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store persists agent configuration and the check-in history
type Store struct {
	db    *sql.DB
	mutex sync.RWMutex
}

// CheckInRecord represents a single check-in attempt
type CheckInRecord struct {
	ID          int       `json:"id"`
	PrinterID   string    `json:"printer_id"`
	Version     string    `json:"plugin_version"`
	Relayed     bool      `json:"relayed"`
	Status      int       `json:"status"`
	Linked      bool      `json:"linked"`
	Error       string    `json:"error,omitempty"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

// OpenStore opens (or creates) the SQLite database at dbFile
func OpenStore(dbFile string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; this also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// initDatabase creates the tables and seeds defaults
func (s *Store) initDatabase() error {
	createTables := []string{
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			description TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS checkin_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			printer_id TEXT NOT NULL,
			plugin_version TEXT,
			relayed INTEGER DEFAULT 0,
			status INTEGER DEFAULT 0,
			linked INTEGER DEFAULT 0,
			error TEXT,
			checked_in_at TIMESTAMP
		)`,
	}

	for _, query := range createTables {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := s.initializeDefaultConfig(); err != nil {
		return fmt.Errorf("failed to initialize default configuration: %w", err)
	}

	return nil
}

// initializeDefaultConfig inserts any default configuration value that is missing
func (s *Store) initializeDefaultConfig() error {
	for key, value := range defaultConfigValues() {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO configuration (key, value, description) VALUES (?, ?, ?)",
			key, value, getConfigDescription(key),
		)
		if err != nil {
			return fmt.Errorf("failed to insert default config %s: %w", key, err)
		}
	}
	return nil
}

// defaultConfigValues returns the seed value of every configuration key
func defaultConfigValues() map[string]string {
	return map[string]string{
		ConfigKeyLocalAPIURL:   DefaultLocalAPIURL,
		ConfigKeyLocalAPIKey:   "",
		ConfigKeyReportPath:    DefaultReportPath,
		ConfigKeyCheckInURL:    DefaultCheckInURL,
		ConfigKeyRelayDomains:  DefaultRelayDomains,
		ConfigKeyClientType:    fmt.Sprint(DefaultClientType),
		ConfigKeyWebPort:       DefaultWebPort,
		ConfigKeyHTTPTimeout:   fmt.Sprint(DefaultHTTPTimeout),
		ConfigKeyLogLevel:      DefaultLogLevel,
		ConfigKeyAddPrinterURL: DefaultAddPrinterURL,
	}
}

// getConfigDescription returns a description for a configuration key
func getConfigDescription(key string) string {
	descriptions := map[string]string{
		ConfigKeyLocalAPIURL:   "Base URL of the local print-server API",
		ConfigKeyLocalAPIKey:   "Optional API key sent with the identify message",
		ConfigKeyReportPath:    "Relative path of the local port report endpoint",
		ConfigKeyCheckInURL:    "Remote check-in endpoint",
		ConfigKeyRelayDomains:  "Comma-separated relay domain suffixes",
		ConfigKeyClientType:    "Client type sent with the check-in",
		ConfigKeyWebPort:       "Port for the panel web server",
		ConfigKeyHTTPTimeout:   "Timeout in seconds for outbound HTTP calls",
		ConfigKeyLogLevel:      "Log level (debug, info, warn, error)",
		ConfigKeyAddPrinterURL: "Base URL shown in the setup region",
	}
	if desc, exists := descriptions[key]; exists {
		return desc
	}
	return "Configuration value"
}

// GetConfigValue gets a configuration value from the database
func (s *Store) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM configuration WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("failed to get config value for %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue sets a configuration value in the database
func (s *Store) SetConfigValue(key, value string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO configuration (key, value, description, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)",
		key, value, getConfigDescription(key),
	)
	if err != nil {
		return fmt.Errorf("failed to set config value for %s: %w", key, err)
	}
	return nil
}

// GetAllConfig gets all configuration values
func (s *Store) GetAllConfig() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM configuration")
	if err != nil {
		return nil, fmt.Errorf("failed to get all config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		config[key] = value
	}

	return config, rows.Err()
}

// RecordCheckIn appends a check-in attempt to the history
func (s *Store) RecordCheckIn(rec CheckInRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if rec.CheckedInAt.IsZero() {
		rec.CheckedInAt = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO checkin_history (printer_id, plugin_version, relayed, status, linked, error, checked_in_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.PrinterID, rec.Version, rec.Relayed, rec.Status, rec.Linked, rec.Error, rec.CheckedInAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record check-in: %w", err)
	}

	log.Debug().Str("printer_id", rec.PrinterID).Int("status", rec.Status).Msg("Recorded check-in")
	return nil
}

// RecentCheckIns returns the newest check-ins first
func (s *Store) RecentCheckIns(limit int) ([]CheckInRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, printer_id, plugin_version, relayed, status, linked, error, checked_in_at FROM checkin_history ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get check-in history: %w", err)
	}
	defer rows.Close()

	records := []CheckInRecord{}
	for rows.Next() {
		var rec CheckInRecord
		var errText sql.NullString
		if err := rows.Scan(&rec.ID, &rec.PrinterID, &rec.Version, &rec.Relayed, &rec.Status, &rec.Linked, &errText, &rec.CheckedInAt); err != nil {
			return nil, fmt.Errorf("failed to scan check-in row: %w", err)
		}
		rec.Error = errText.String
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
