package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jakechorley/carevisit/pkg/core/conflict"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/core/verification"
)

// DatabaseConfig selects the store backing the core
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=memory postgres"`
	URL    string `yaml:"url,omitempty" validate:"required_if=Driver postgres"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// SweepConfig controls the background missed-visit and auto-flag sweep
type SweepConfig struct {
	Interval time.Duration `yaml:"interval,omitempty" validate:"gte=0"`
	Workers  int           `yaml:"workers,omitempty" validate:"gte=0"`
	// LockTTL is how long a replica holds the sweep leader lock
	LockTTL time.Duration `yaml:"lockTTL,omitempty" validate:"gte=0"`
}

// RedisConfig enables the shared sweep leader lock when URL is set
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// KafkaConfig enables publishing committed audit events when Brokers is set
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty" validate:"required_with=Brokers"`
}

type SheetsConfig struct {
	BillingSpreadsheetID string `yaml:"billingSpreadsheetID,omitempty"`
}

// ClientBookingConfig sets whether clients may receive overlapping visits
type ClientBookingConfig struct {
	Default model.ClientBookingMode            `yaml:"default,omitempty"`
	Clients map[string]model.ClientBookingMode `yaml:"clients,omitempty"`
}

// Config represents the application configuration
type Config struct {
	DefaultTimeZone string                     `yaml:"defaultTimeZone" validate:"required"`
	Database        DatabaseConfig             `yaml:"database"`
	HTTP            HTTPConfig                 `yaml:"http,omitempty"`
	Sweep           SweepConfig                `yaml:"sweep,omitempty"`
	Redis           RedisConfig                `yaml:"redis,omitempty"`
	Kafka           KafkaConfig                `yaml:"kafka,omitempty"`
	Sheets          SheetsConfig               `yaml:"sheets,omitempty"`
	ClientBooking   ClientBookingConfig        `yaml:"clientBooking,omitempty"`
	Closures        []recurrence.Closure       `yaml:"closures,omitempty" validate:"dive"`
	Policies        []model.VerificationPolicy `yaml:"policies" validate:"required,min=1,dive"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// applyDefaults fills optional settings left empty in the file
func applyDefaults(cfg *Config) {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Sweep.Interval == 0 {
		cfg.Sweep.Interval = time.Minute
	}
	if cfg.Sweep.Workers == 0 {
		cfg.Sweep.Workers = 4
	}
	if cfg.Sweep.LockTTL == 0 {
		cfg.Sweep.LockTTL = 2 * cfg.Sweep.Interval
	}
	if cfg.ClientBooking.Default == "" {
		cfg.ClientBooking.Default = model.ClientBookingReject
	}
}

// LoadWithEnv loads and validates evv_config.<env>.yaml, falling back to evv_config.yaml.
// It looks in the current directory first, then in the user's home directory.
func LoadWithEnv(env string) (*Config, error) {
	configPath, err := findConfigFile(env)
	if err != nil {
		return nil, fmt.Errorf("failed to find config file: %w", err)
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads and validates the configuration from a specific path
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags, then time zones, booking modes, closure rrules and policy versions
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if _, err := time.LoadLocation(cfg.DefaultTimeZone); err != nil {
		return fmt.Errorf("invalid defaultTimeZone %q: %w", cfg.DefaultTimeZone, err)
	}

	if cfg.ClientBooking.Default != "" && !cfg.ClientBooking.Default.Valid() {
		return fmt.Errorf("invalid clientBooking.default %q (want reject, flag or allow)", cfg.ClientBooking.Default)
	}
	for client, mode := range cfg.ClientBooking.Clients {
		if !mode.Valid() {
			return fmt.Errorf("invalid clientBooking mode %q for client %s", mode, client)
		}
	}

	// Closure rrules are checked by the engine constructor
	if _, err := recurrence.NewEngine(cfg.Closures); err != nil {
		return err
	}

	if _, err := verification.NewRegistry(cfg.Policies...); err != nil {
		return fmt.Errorf("invalid policies: %w", err)
	}

	return nil
}

// Location returns the default time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BookingPolicy returns the client booking policy for the conflict detector
func (c *Config) BookingPolicy() conflict.ClientBookingPolicy {
	return conflict.ClientBookingPolicy{
		Default:   c.ClientBooking.Default,
		Overrides: c.ClientBooking.Clients,
	}
}

// PolicyRegistry builds the verification policy registry
func (c *Config) PolicyRegistry() (*verification.Registry, error) {
	return verification.NewRegistry(c.Policies...)
}

// findConfigFile searches for the environment's config file, falling back to evv_config.yaml
func findConfigFile(env string) (string, error) {
	names := []string{"evv_config.yaml"}
	if env != "" {
		names = []string{"evv_config." + env + ".yaml", "evv_config.yaml"}
	}
	return findFile(names...)
}

// findFile returns the first of names found in the current directory, then the home directory
func findFile(names ...string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	for _, name := range names {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
		homePath := filepath.Join(homeDir, name)
		if _, err := os.Stat(homePath); err == nil {
			return homePath, nil
		}
	}

	return "", fmt.Errorf("%s not found in current directory or home directory", names[0])
}
