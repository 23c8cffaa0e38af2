package cli

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dimagi/caseledger/internal/blob"
	"github.com/dimagi/caseledger/internal/migrate"
)

// Defaults used when neither the config file nor a flag sets a value.
const (
	DefaultDatabase = "caseledger.db"
	DefaultBlobRoot = "blobs"
	DefaultStateDB  = "migration.db"
)

// Config is the optional YAML configuration file.
//
//	database: ./ledger.db
//	blobs:
//	  driver: s3            # fs | s3 | memory
//	  s3: { bucket: forms, region: us-east-1, endpoint: "http://localhost:9000", path_style: true }
//	schemas: ./schemas
//	workers: 4
//	metrics_addr: ":9090"
//	migration:
//	  source: postgres      # jsonl | postgres
//	  dsn: postgres://localhost/commcare
//	  form_table: form_docs
//	  case_table: case_docs
//	  state_db: ./migration.db
type Config struct {
	Database    string          `yaml:"database"`
	Blobs       blob.Config     `yaml:"blobs"`
	Schemas     string          `yaml:"schemas"`
	Workers     int             `yaml:"workers"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Migration   MigrationConfig `yaml:"migration"`
}

// MigrationConfig selects the document source of the migrate command.
type MigrationConfig struct {
	Source    string `yaml:"source"`
	Dir       string `yaml:"dir"`
	DSN       string `yaml:"dsn"`
	FormTable string `yaml:"form_table"`
	CaseTable string `yaml:"case_table"`
	StateDB   string `yaml:"state_db"`
}

// Migration source kinds.
const (
	SourceJSONL    = "jsonl"
	SourcePostgres = "postgres"
)

// DefaultConfig returns the configuration used without a config file.
func DefaultConfig() *Config {
	return &Config{
		Database: DefaultDatabase,
		Blobs:    blob.Config{Driver: blob.DriverFilesystem, Root: DefaultBlobRoot},
		Migration: MigrationConfig{
			Source:    SourceJSONL,
			FormTable: migrate.DefaultFormTable,
			CaseTable: migrate.DefaultCaseTable,
			StateDB:   DefaultStateDB,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. Unknown keys are
// rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Blobs.Driver {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blobs.S3.Bucket == "" {
			return fmt.Errorf("blobs.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blobs.Driver)
	}
	switch c.Migration.Source {
	case "", SourceJSONL, SourcePostgres:
	default:
		return fmt.Errorf("unknown migration source %q", c.Migration.Source)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative")
	}
	return nil
}

// resolveConfig loads the config file named by the root options, if any,
// and applies the global flags over it.
func resolveConfig(opts *RootOptions) (*Config, error) {
	cfg := DefaultConfig()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = LoadConfig(opts.ConfigPath); err != nil {
			return nil, err
		}
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Blobs != "" {
		if opts.Blobs == string(blob.DriverMemory) {
			cfg.Blobs = blob.Config{Driver: blob.DriverMemory}
		} else {
			cfg.Blobs = blob.Config{Driver: blob.DriverFilesystem, Root: opts.Blobs}
		}
	}
	if opts.Schemas != "" {
		cfg.Schemas = opts.Schemas
	}
	return cfg, nil
}
