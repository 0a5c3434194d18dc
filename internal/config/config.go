// Package config loads and validates the YAML configuration files: the main
// config and the tracked-symbols list. Malformed or incomplete configuration
// is rejected at load time rather than discovered mid-cycle.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"barkeep/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the archive engine.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Logging  Logging        `yaml:"logging"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Update   UpdateConfig   `yaml:"update"`
	Calendar CalendarConfig `yaml:"calendar"`
	Alpaca   Alpaca         `yaml:"alpaca"`

	Intervals   []string `yaml:"intervals"`
	SymbolsFile string   `yaml:"symbols_file"`
}

// Storage holds paths and backend selection for data persistence.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	MetadataDir string `yaml:"metadata_dir"`
	LedgerPath  string `yaml:"ledger_path"`
	Backend     string `yaml:"backend"` // "csv" (canonical) or "parquet"
	Backups     int    `yaml:"backups"` // rotated prior-archive copies kept per replace
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// FetchConfig holds upstream rate-limit and retry parameters. The values
// configure the single backoff policy and token bucket shared by every
// upstream request.
type FetchConfig struct {
	RateLimitPerMin   int `yaml:"rate_limit_per_min"`
	Burst             int `yaml:"burst"`
	TimeoutSeconds    int `yaml:"timeout_seconds"`
	MaxRetries        int `yaml:"max_retries"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
}

// Timeout returns the per-fetch timeout as a duration.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// RetryDelay returns the initial backoff delay as a duration.
func (f FetchConfig) RetryDelay() time.Duration {
	return time.Duration(f.RetryDelaySeconds) * time.Second
}

// UpdateConfig controls reconciliation batch runs.
type UpdateConfig struct {
	MaxWorkers     int `yaml:"max_workers"`
	MaxAgeHours    int `yaml:"max_age_hours"`
	MaxGapAttempts int `yaml:"max_gap_attempts"`
}

// CalendarConfig locates the trading calendar: the market timezone, session
// clock times, and the holiday table file.
type CalendarConfig struct {
	Timezone     string `yaml:"timezone"`
	SessionOpen  string `yaml:"session_open"`  // "09:15"
	SessionClose string `yaml:"session_close"` // "15:30"
	HolidaysFile string `yaml:"holidays_file"`
}

// Alpaca holds credentials and endpoints for the upstream market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Symbol is one tracked instrument. ValidRange, when present, bounds the
// span the symbol actually traded (listing/delisting); gaps outside it are
// not data defects.
type Symbol struct {
	Symbol     string      `yaml:"symbol"`
	Name       string      `yaml:"name"`
	ValidRange *ValidRange `yaml:"valid_range"`
}

// ValidRange is an optional [Start, End] trading span as "2006-01-02"
// dates. Either bound may be empty.
type ValidRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// TradingRange returns the parsed trading span, or nil when the symbol has
// no valid_range. LoadSymbols validates the dates, so parse failures here
// only happen on hand-built values.
func (s Symbol) TradingRange() *domain.DateRange {
	if s.ValidRange == nil {
		return nil
	}
	var r domain.DateRange
	if s.ValidRange.Start != "" {
		r.Start, _ = time.Parse("2006-01-02", s.ValidRange.Start)
	}
	if s.ValidRange.End != "" {
		r.End, _ = time.Parse("2006-01-02", s.ValidRange.End)
	}
	return &r
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it,
// applies environment variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadSymbols reads the tracked-symbols YAML file.
func LoadSymbols(path string) ([]Symbol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Symbols []Symbol `yaml:"symbols"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i, s := range doc.Symbols {
		if s.Symbol == "" {
			return nil, fmt.Errorf("%s: symbol at index %d missing 'symbol' field", path, i)
		}
		if r := s.ValidRange; r != nil {
			for _, d := range []string{r.Start, r.End} {
				if d == "" {
					continue
				}
				if _, err := time.Parse("2006-01-02", d); err != nil {
					return nil, fmt.Errorf("%s: symbol %s: bad valid_range date %q", path, s.Symbol, d)
				}
			}
		}
	}
	return doc.Symbols, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("METADATA_DIR"); v != "" {
		cfg.Storage.MetadataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Storage.MetadataDir == "" && c.Storage.DataDir != "" {
		c.Storage.MetadataDir = c.Storage.DataDir + "/metadata"
	}
	if c.Storage.LedgerPath == "" && c.Storage.DataDir != "" {
		c.Storage.LedgerPath = c.Storage.DataDir + "/ledger.db"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "csv"
	}
	if c.Storage.Backups == 0 {
		c.Storage.Backups = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Fetch.MaxRetries == 0 {
		c.Fetch.MaxRetries = 3
	}
	if c.Fetch.RetryDelaySeconds == 0 {
		c.Fetch.RetryDelaySeconds = 5
	}
	if c.Fetch.TimeoutSeconds == 0 {
		c.Fetch.TimeoutSeconds = 30
	}
	if c.Fetch.RateLimitPerMin == 0 {
		c.Fetch.RateLimitPerMin = 120
	}
	if c.Fetch.Burst == 0 {
		c.Fetch.Burst = 5
	}
	if c.Update.MaxWorkers == 0 {
		c.Update.MaxWorkers = 4
	}
	if c.Update.MaxAgeHours == 0 {
		c.Update.MaxAgeHours = 24
	}
	if c.Update.MaxGapAttempts == 0 {
		c.Update.MaxGapAttempts = 3
	}
	if c.Calendar.SessionOpen == "" {
		c.Calendar.SessionOpen = "09:15"
	}
	if c.Calendar.SessionClose == "" {
		c.Calendar.SessionClose = "15:30"
	}
}

func (c *Config) validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.Backend != "csv" && c.Storage.Backend != "parquet" {
		return fmt.Errorf("storage.backend must be csv or parquet, got %q", c.Storage.Backend)
	}
	if len(c.Intervals) == 0 {
		return fmt.Errorf("at least one interval is required")
	}
	for _, s := range c.Intervals {
		if _, err := domain.ParseInterval(s); err != nil {
			return err
		}
	}
	if c.SymbolsFile == "" {
		return fmt.Errorf("symbols_file is required")
	}
	if c.Calendar.Timezone == "" {
		return fmt.Errorf("calendar.timezone is required")
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone: %w", err)
	}
	if c.Update.MaxWorkers < 1 {
		return fmt.Errorf("update.max_workers must be positive")
	}
	if c.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch.max_retries must be positive")
	}
	return nil
}

// ParsedIntervals returns the configured intervals as domain values. Call
// only after Load succeeded; validation guarantees parseability.
func (c *Config) ParsedIntervals() []domain.Interval {
	out := make([]domain.Interval, 0, len(c.Intervals))
	for _, s := range c.Intervals {
		iv, _ := domain.ParseInterval(s)
		out = append(out, iv)
	}
	return out
}
