// Package config loads the indexer's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"peopleland.ai/internal/persistence/r2s3"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	ChainRPC     = "rpc"
	ChainFixture = "fixture"
)

type Config struct {
	ChainID string `yaml:"chain_id"`
	DataDir string `yaml:"data_dir"`
	Listen  string `yaml:"listen"`

	Store  StoreConfig  `yaml:"store"`
	Chain  ChainConfig  `yaml:"chain"`
	Ingest IngestConfig `yaml:"ingest"`
	Mirror MirrorConfig `yaml:"mirror"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type ChainConfig struct {
	Source      string        `yaml:"source"`
	RPCURL      string        `yaml:"rpc_url"`
	Contract    string        `yaml:"contract"`
	ABIPath     string        `yaml:"abi_path"`
	FixturePath string        `yaml:"fixture_path"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type IngestConfig struct {
	// Token, when set, must be presented as a bearer token by ingest clients.
	Token               string `yaml:"token"`
	QueueSize           int    `yaml:"queue_size"`
	EventLog            bool   `yaml:"event_log"`
	SnapshotEveryBlocks uint64 `yaml:"snapshot_every_blocks"`
	ArchiveEpochBlocks  uint64 `yaml:"archive_epoch_blocks"`
}

type MirrorConfig struct {
	r2s3.Config   `yaml:",inline"`
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	EnqueueWait   time.Duration `yaml:"enqueue_wait"`
}

func Defaults() Config {
	return Config{
		ChainID: "1",
		DataDir: "data",
		Listen:  ":8090",
		Store: StoreConfig{
			Backend: BackendSQLite,
		},
		Chain: ChainConfig{
			Source:      ChainRPC,
			ReadTimeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			QueueSize:           1024,
			EventLog:            true,
			SnapshotEveryBlocks: 10000,
			ArchiveEpochBlocks:  1000000,
		},
		Mirror: MirrorConfig{
			Workers:       1,
			QueueCapacity: 256,
			EnqueueWait:   25 * time.Millisecond,
		},
	}
}

// Load reads path (optional) over the defaults, applies LAND_* environment
// overrides, then normalizes and validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LAND_* variables. Secrets are expected to
// arrive this way rather than through the YAML file.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, name string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	set(&c.ChainID, "LAND_CHAIN_ID")
	set(&c.DataDir, "LAND_DATA_DIR")
	set(&c.Listen, "LAND_LISTEN")
	set(&c.Store.Backend, "LAND_STORE_BACKEND")
	set(&c.Store.SQLitePath, "LAND_SQLITE_PATH")
	set(&c.Store.PostgresDSN, "LAND_POSTGRES_DSN")
	set(&c.Chain.Source, "LAND_CHAIN_SOURCE")
	set(&c.Chain.RPCURL, "LAND_RPC_URL")
	set(&c.Chain.Contract, "LAND_CONTRACT")
	set(&c.Chain.FixturePath, "LAND_CHAIN_FIXTURE")
	set(&c.Ingest.Token, "LAND_INGEST_TOKEN")
	set(&c.Mirror.Endpoint, "LAND_R2_ENDPOINT")
	set(&c.Mirror.Bucket, "LAND_R2_BUCKET")
	set(&c.Mirror.AccessKeyID, "LAND_R2_ACCESS_KEY_ID")
	set(&c.Mirror.SecretAccessKey, "LAND_R2_SECRET_ACCESS_KEY")
	set(&c.Mirror.Prefix, "LAND_R2_PREFIX")
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Chain.Source = strings.ToLower(strings.TrimSpace(c.Chain.Source))
	if c.Store.Backend == BackendSQLite && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.DataDir, "index.sqlite")
	}
	if c.Ingest.QueueSize <= 0 {
		c.Ingest.QueueSize = 1
	}
	if c.Chain.ReadTimeout <= 0 {
		c.Chain.ReadTimeout = 10 * time.Second
	}
	if c.Mirror.Prefix == "" {
		c.Mirror.Prefix = "chain-" + c.ChainID
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ChainID) == "" {
		return fmt.Errorf("chain_id must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must not be empty")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn (or LAND_POSTGRES_DSN) is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Chain.Source {
	case ChainRPC:
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url (or LAND_RPC_URL) is required")
		}
		if !common.IsHexAddress(c.Chain.Contract) {
			return fmt.Errorf("chain.contract %q is not an address", c.Chain.Contract)
		}
	case ChainFixture:
		if c.Chain.FixturePath == "" {
			return fmt.Errorf("chain.fixture_path is required for the fixture source")
		}
	default:
		return fmt.Errorf("unknown chain.source %q", c.Chain.Source)
	}
	if c.Ingest.ArchiveEpochBlocks > 0 && c.Ingest.SnapshotEveryBlocks == 0 {
		return fmt.Errorf("ingest.archive_epoch_blocks needs snapshots enabled")
	}
	if c.Mirror.Enabled() {
		if c.Mirror.Bucket == "" || c.Mirror.AccessKeyID == "" || c.Mirror.SecretAccessKey == "" {
			return fmt.Errorf("mirror needs bucket and credentials (LAND_R2_*)")
		}
	}
	return nil
}
