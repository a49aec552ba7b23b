// Package config loads and validates the steritrack configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/facilityops/steritrack/pkg/bi"
	"github.com/facilityops/steritrack/pkg/phase"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8421"

	// DefaultSQLitePath is the default database location.
	DefaultSQLitePath = "./steritrack.db"

	// DefaultFacilityID names the facility when none is configured.
	DefaultFacilityID = "main"

	// maxPhaseDurationSeconds rejects misconfigured phase durations at
	// load time, mirroring the timer registry's own guard.
	maxPhaseDurationSeconds = 2 * 60 * 60
)

// Default nominal phase durations in seconds. Drying is open-ended.
var defaultPhaseDurations = map[string]int{
	phase.Bath1:     1800,
	phase.Bath2:     1800,
	phase.Drying:    0,
	phase.Autoclave: 2700,
}

// Config is the root configuration for steritrack.
type Config struct {
	Global   GlobalConfig   `yaml:"global"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Facility FacilityConfig `yaml:"facility"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// FacilityConfig describes the facility this instance runs for.
type FacilityConfig struct {
	ID          string            `yaml:"id"`
	OfficeHours OfficeHoursConfig `yaml:"office_hours,omitempty"`
	Phases      []PhaseConfig     `yaml:"phases,omitempty"`
	Tools       []ToolSeed        `yaml:"tools,omitempty"`
}

// OfficeHoursConfig configures the BI due-time calendar.
type OfficeHoursConfig struct {
	WorkingDays []string `yaml:"working_days,omitempty"`
	StartHour   *int     `yaml:"start_hour,omitempty"`
	EndHour     *int     `yaml:"end_hour,omitempty"`
}

// PhaseConfig overrides the nominal duration of a phase.
type PhaseConfig struct {
	ID              string `yaml:"id"`
	DurationSeconds int    `yaml:"duration_seconds"`
}

// ToolSeed defines a tool record seeded into the registry on startup.
type ToolSeed struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Category   string `yaml:"category,omitempty"`
	MaxCycles  int    `yaml:"max_cycles,omitempty"`
	IsP2Status bool   `yaml:"is_p2_status,omitempty"`
}

// weekdayNames maps config day names to time.Weekday.
var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = 120
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Facility.ID == "" {
		c.Facility.ID = DefaultFacilityID
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	for _, day := range c.Facility.OfficeHours.WorkingDays {
		if _, ok := weekdayNames[day]; !ok {
			return fmt.Errorf("unknown working day %q", day)
		}
	}

	oh := c.Facility.OfficeHours

	if oh.StartHour != nil && (*oh.StartHour < 0 || *oh.StartHour > 23) {
		return fmt.Errorf("office start_hour %d out of range", *oh.StartHour)
	}

	if oh.EndHour != nil && (*oh.EndHour < 1 || *oh.EndHour > 24) {
		return fmt.Errorf("office end_hour %d out of range", *oh.EndHour)
	}

	if oh.StartHour != nil && oh.EndHour != nil && *oh.StartHour >= *oh.EndHour {
		return fmt.Errorf(
			"office start_hour %d must be before end_hour %d",
			*oh.StartHour, *oh.EndHour,
		)
	}

	seen := make(map[string]struct{}, len(c.Facility.Phases))

	for _, p := range c.Facility.Phases {
		if !phase.Known(p.ID) {
			return fmt.Errorf("unknown phase id %q", p.ID)
		}

		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate phase id %q", p.ID)
		}

		seen[p.ID] = struct{}{}

		if phase.CountsUp(p.ID) {
			continue
		}

		if p.DurationSeconds <= 0 || p.DurationSeconds > maxPhaseDurationSeconds {
			return fmt.Errorf(
				"phase %q duration %ds out of range (1..%d)",
				p.ID, p.DurationSeconds, maxPhaseDurationSeconds,
			)
		}
	}

	toolIDs := make(map[string]struct{}, len(c.Facility.Tools))

	for i, t := range c.Facility.Tools {
		if t.ID == "" {
			return fmt.Errorf("tool %d: id is required", i)
		}

		if _, dup := toolIDs[t.ID]; dup {
			return fmt.Errorf("duplicate tool id %q", t.ID)
		}

		toolIDs[t.ID] = struct{}{}
	}

	return nil
}

// PhaseDurations returns the nominal duration in seconds for every
// phase, with config overrides applied over the defaults.
func (c *Config) PhaseDurations() map[string]int {
	out := make(map[string]int, len(defaultPhaseDurations))
	for id, d := range defaultPhaseDurations {
		out[id] = d
	}

	for _, p := range c.Facility.Phases {
		out[p.ID] = p.DurationSeconds
	}

	return out
}

// OfficeHours converts the configured calendar into the BI gate's form,
// defaulting to Monday-Friday 08:00-17:00.
func (c *Config) OfficeHours() bi.OfficeHours {
	hours := bi.DefaultOfficeHours()

	oh := c.Facility.OfficeHours

	if len(oh.WorkingDays) > 0 {
		hours.WorkingDays = make(map[time.Weekday]bool, len(oh.WorkingDays))
		for _, day := range oh.WorkingDays {
			hours.WorkingDays[weekdayNames[day]] = true
		}
	}

	if oh.StartHour != nil {
		hours.StartHour = *oh.StartHour
	}

	if oh.EndHour != nil {
		hours.EndHour = *oh.EndHour
	}

	return hours
}
