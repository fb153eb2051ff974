// Package catalog manages the instrument catalog backing the base
// watch-list and the ranking endpoint: code, name, market and rolling
// trading value per instrument, persisted in SQLite or Postgres.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Instrument is one catalog entry.
type Instrument struct {
	Code         string    `json:"stock_code"`
	Name         string    `json:"stock_name"`
	Market       string    `json:"market"`
	TradingValue float64   `json:"trading_value"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RefreshResult summarizes one catalog refresh from the upstream API.
type RefreshResult struct {
	Fetched     int       `json:"fetched"`
	Stored      int       `json:"stored"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// apiResponse mirrors the catalog API payload.
type apiResponse struct {
	Success bool         `json:"success"`
	Data    []Instrument `json:"data"`
}

// Database handles catalog persistence behind either the sqlite3 or
// postgres driver.
type Database struct {
	db          *sql.DB
	driver      string
	apiURL      string
	httpClient  *http.Client
	mu          sync.RWMutex
	lastRefresh time.Time
}

// NewDatabase opens the catalog store and ensures its schema exists.
// driver is "sqlite3" or "postgres"; apiURL may be empty when refreshes are
// not needed.
func NewDatabase(driver, dsn, apiURL string) (*Database, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported catalog driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	catalog := &Database{
		db:         db,
		driver:     driver,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if err := catalog.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}

	log.Printf("✅ Instrument catalog ready (%s)", driver)
	return catalog, nil
}

func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instruments (
		code          TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		market        TEXT NOT NULL DEFAULT '',
		trading_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_instruments_trading_value
		ON instruments (trading_value DESC);`

	_, err := d.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders into $n for the postgres driver.
func (d *Database) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpsertInstruments inserts or updates catalog entries in one transaction.
func (d *Database) UpsertInstruments(instruments []Instrument) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin catalog transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(d.rebind(`
		INSERT INTO instruments (code, name, market, trading_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			name = excluded.name,
			market = excluded.market,
			trading_value = excluded.trading_value,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("failed to prepare catalog upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, inst := range instruments {
		if inst.Code == "" {
			continue
		}
		if _, err := stmt.Exec(inst.Code, inst.Name, inst.Market, inst.TradingValue, now); err != nil {
			return fmt.Errorf("failed to upsert instrument %s: %w", inst.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog transaction: %w", err)
	}
	return nil
}

// Lookup returns one catalog entry by instrument code.
func (d *Database) Lookup(code string) (Instrument, bool, error) {
	var inst Instrument
	err := d.db.QueryRow(d.rebind(`
		SELECT code, name, market, trading_value, updated_at
		FROM instruments WHERE code = ?`), code).
		Scan(&inst.Code, &inst.Name, &inst.Market, &inst.TradingValue, &inst.UpdatedAt)

	if err == sql.ErrNoRows {
		return Instrument{}, false, nil
	}
	if err != nil {
		return Instrument{}, false, fmt.Errorf("failed to look up instrument %s: %w", code, err)
	}
	return inst, true, nil
}

// TopByTradingValue returns the top-n instruments by trading value; this is
// the ranking that seeds the base watch-list.
func (d *Database) TopByTradingValue(n int) ([]Instrument, error) {
	rows, err := d.db.Query(d.rebind(`
		SELECT code, name, market, trading_value, updated_at
		FROM instruments
		ORDER BY trading_value DESC, code ASC
		LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query ranking: %w", err)
	}
	defer rows.Close()

	var ranking []Instrument
	for rows.Next() {
		var inst Instrument
		if err := rows.Scan(&inst.Code, &inst.Name, &inst.Market, &inst.TradingValue, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ranking row: %w", err)
		}
		ranking = append(ranking, inst)
	}
	return ranking, rows.Err()
}

// Count returns the catalog size.
func (d *Database) Count() (int, error) {
	var count int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM instruments`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count instruments: %w", err)
	}
	return count, nil
}

// RefreshFromAPI fetches the current catalog from the upstream metadata API
// and upserts it. Invoked by the scheduled refresh job.
func (d *Database) RefreshFromAPI() (*RefreshResult, error) {
	if d.apiURL == "" {
		return nil, fmt.Errorf("no catalog API URL configured")
	}

	log.Printf("🔄 Refreshing instrument catalog from %s", d.apiURL)

	resp, err := d.httpClient.Get(d.apiURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog API returned HTTP %d", resp.StatusCode)
	}

	var payload apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}
	if !payload.Success {
		return nil, fmt.Errorf("catalog API response indicates failure")
	}

	stored := 0
	for _, inst := range payload.Data {
		if inst.Code != "" {
			stored++
		}
	}

	if err := d.UpsertInstruments(payload.Data); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.lastRefresh = time.Now()
	d.mu.Unlock()

	log.Printf("✅ Catalog refresh stored %d/%d instruments", stored, len(payload.Data))

	return &RefreshResult{
		Fetched:     len(payload.Data),
		Stored:      stored,
		RefreshedAt: time.Now(),
	}, nil
}

// Stats returns catalog statistics for the status endpoint.
func (d *Database) Stats() map[string]interface{} {
	count, err := d.Count()
	if err != nil {
		count = -1
	}

	d.mu.RLock()
	lastRefresh := d.lastRefresh
	d.mu.RUnlock()

	stats := map[string]interface{}{
		"driver":            d.driver,
		"total_instruments": count,
	}
	if !lastRefresh.IsZero() {
		stats["last_refresh"] = lastRefresh.Format(time.RFC3339)
	}
	return stats
}

// Close closes the underlying database handle.
func (d *Database) Close() error {
	return d.db.Close()
}
