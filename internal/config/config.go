// Package config loads the TroveWatch daemon and CLI configuration: a YAML
// file named by TROVE_CONFIG, then TROVE_* environment overrides, then
// normalization and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"TroveWatch/internal/chain"
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	HeadSourceRPC  = "rpc"
	HeadSourceNATS = "nats"
)

type Config struct {
	RPC         RPCConfig          `yaml:"rpc"`
	Account     string             `yaml:"account"`
	Deployments []DeploymentConfig `yaml:"deployments"`
	Heads       HeadsConfig        `yaml:"heads"`
	Postgres    PostgresConfig     `yaml:"postgres"`
	NATS        NATSConfig         `yaml:"nats"`
	Server      ServerConfig       `yaml:"server"`
	Journal     JournalConfig      `yaml:"journal"`
	Projection  ProjectionConfig   `yaml:"projection"`
	Tx          TxConfig           `yaml:"tx"`

	// PrivateKey signs transactions. It is only read from
	// TROVE_PRIVATE_KEY, never from the file.
	PrivateKey string `yaml:"-"`
}

type RPCConfig struct {
	URL             string        `yaml:"url"`
	ChainID         int64         `yaml:"chain_id"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	BlockDebounce   time.Duration `yaml:"block_debounce"`
	MaxInFlight     int           `yaml:"max_in_flight"`
}

// DeploymentConfig is one (version, collateral) store and its contracts.
type DeploymentConfig struct {
	Version    string          `yaml:"version"`
	Collateral string          `yaml:"collateral"`
	Addresses  chain.Addresses `yaml:"addresses"`
	Params     ParamsConfig    `yaml:"params"`
}

func (d DeploymentConfig) Key() state.Key {
	return state.Key{Version: d.Version, Collateral: d.Collateral}
}

func (d DeploymentConfig) Deployment() chain.Deployment {
	return chain.Deployment{Key: d.Key(), Addresses: d.Addresses}
}

// ParamsConfig overrides protocol constants for a deployment. Empty
// fields keep the mainnet defaults.
type ParamsConfig struct {
	MinimumCollateralRatio  string `yaml:"mcr"`
	CriticalCollateralRatio string `yaml:"ccr"`
	LiquidationReserve      string `yaml:"liquidation_reserve"`
	MinimumNetDebt          string `yaml:"minimum_net_debt"`
	MinimumBorrowingRate    string `yaml:"min_borrowing_rate"`
	MaximumBorrowingRate    string `yaml:"max_borrowing_rate"`
	MinimumRedemptionRate   string `yaml:"min_redemption_rate"`
}

func (pc ParamsConfig) apply(p state.Params) (state.Params, error) {
	fields := []struct {
		name string
		raw  string
		dst  *fpmath.Decimal
	}{
		{"mcr", pc.MinimumCollateralRatio, &p.MinimumCollateralRatio},
		{"ccr", pc.CriticalCollateralRatio, &p.CriticalCollateralRatio},
		{"liquidation_reserve", pc.LiquidationReserve, &p.LiquidationReserve},
		{"minimum_net_debt", pc.MinimumNetDebt, &p.MinimumNetDebt},
		{"min_borrowing_rate", pc.MinimumBorrowingRate, &p.MinimumBorrowingRate},
		{"max_borrowing_rate", pc.MaximumBorrowingRate, &p.MaximumBorrowingRate},
		{"min_redemption_rate", pc.MinimumRedemptionRate, &p.MinimumRedemptionRate},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		v, err := fpmath.NewDecimal(f.raw)
		if err != nil {
			return p, fmt.Errorf("params.%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return p, nil
}

type HeadsConfig struct {
	// Source is "rpc" (subscribe or poll the node) or "nats" (consume
	// chain.heads.> from JetStream).
	Source string `yaml:"source"`
}

type PostgresConfig struct {
	DSN              string        `yaml:"dsn"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotKeep     int           `yaml:"snapshot_keep"`
}

func (p PostgresConfig) Enabled() bool { return p.DSN != "" }

type NATSConfig struct {
	URL           string `yaml:"url"`
	PublishBuffer int    `yaml:"publish_buffer"`
}

func (n NATSConfig) Enabled() bool { return n.URL != "" }

type ServerConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	AdminToken  string `yaml:"admin_token"`
}

type JournalConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

type ProjectionConfig struct {
	Buffer      int `yaml:"buffer"`
	HistorySize int `yaml:"history_size"`
}

type TxConfig struct {
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() Config {
	return Config{
		RPC: RPCConfig{
			URL:             "http://localhost:8545",
			RefreshInterval: 12 * time.Second,
			BlockDebounce:   250 * time.Millisecond,
			MaxInFlight:     2,
		},
		Heads: HeadsConfig{Source: HeadSourceRPC},
		Postgres: PostgresConfig{
			SnapshotInterval: time.Minute,
			SnapshotKeep:     100,
		},
		NATS: NATSConfig{PublishBuffer: 1024},
		Server: ServerConfig{
			GRPCAddr:    ":9090",
			HTTPAddr:    ":8080",
			MetricsAddr: ":9091",
		},
		Journal:    JournalConfig{BatchSize: 50, FlushTimeout: time.Second},
		Projection: ProjectionConfig{Buffer: 2048, HistorySize: 1024},
		Tx: TxConfig{
			ReceiptPollInterval: 2 * time.Second,
			ReceiptTimeout:      5 * time.Minute,
		},
	}
}

// Load reads path (skipped when empty), applies the environment and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv loads the file named by TROVE_CONFIG.
func FromEnv() (Config, error) {
	return Load(os.Getenv("TROVE_CONFIG"))
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v := getenv(name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	str("TROVE_RPC_URL", &cfg.RPC.URL)
	str("TROVE_ACCOUNT", &cfg.Account)
	str("TROVE_POSTGRES_DSN", &cfg.Postgres.DSN)
	str("TROVE_NATS_URL", &cfg.NATS.URL)
	str("TROVE_GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("TROVE_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("TROVE_METRICS_ADDR", &cfg.Server.MetricsAddr)
	str("TROVE_ADMIN_TOKEN", &cfg.Server.AdminToken)
	str("TROVE_HEAD_SOURCE", &cfg.Heads.Source)
	str("TROVE_PRIVATE_KEY", &cfg.PrivateKey)

	if v := getenv("TROVE_CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TROVE_CHAIN_ID: %w", err)
		}
		cfg.RPC.ChainID = id
	}
	return errors.Join(
		dur("TROVE_REFRESH_INTERVAL", &cfg.RPC.RefreshInterval),
		dur("TROVE_BLOCK_DEBOUNCE", &cfg.RPC.BlockDebounce),
	)
}

func (cfg *Config) normalize() {
	cfg.RPC.URL = strings.TrimSpace(cfg.RPC.URL)
	cfg.Account = strings.TrimSpace(cfg.Account)
	cfg.Postgres.DSN = strings.TrimSpace(cfg.Postgres.DSN)
	cfg.NATS.URL = strings.TrimSpace(cfg.NATS.URL)
	cfg.Heads.Source = strings.ToLower(strings.TrimSpace(cfg.Heads.Source))
	if cfg.Heads.Source == "" {
		cfg.Heads.Source = HeadSourceRPC
	}
	cfg.PrivateKey = strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x")
	for i := range cfg.Deployments {
		d := &cfg.Deployments[i]
		d.Version = strings.TrimSpace(d.Version)
		d.Collateral = strings.ToUpper(strings.TrimSpace(d.Collateral))
	}
	if cfg.RPC.MaxInFlight <= 0 {
		cfg.RPC.MaxInFlight = 1
	}
	if cfg.Journal.BatchSize <= 0 {
		cfg.Journal.BatchSize = 50
	}
	if cfg.Journal.FlushTimeout <= 0 {
		cfg.Journal.FlushTimeout = time.Second
	}
}

func (cfg *Config) validate() error {
	if cfg.RPC.URL == "" {
		return fmt.Errorf("rpc.url is required")
	}
	if cfg.Account != "" && !common.IsHexAddress(cfg.Account) {
		return fmt.Errorf("account %q is not an address", cfg.Account)
	}
	switch cfg.Heads.Source {
	case HeadSourceRPC:
	case HeadSourceNATS:
		if !cfg.NATS.Enabled() {
			return fmt.Errorf("heads.source=nats requires nats.url")
		}
	default:
		return fmt.Errorf("heads.source must be %q or %q, got %q", HeadSourceRPC, HeadSourceNATS, cfg.Heads.Source)
	}
	if len(cfg.Deployments) == 0 {
		return fmt.Errorf("at least one deployment is required")
	}
	seen := make(map[state.Key]bool, len(cfg.Deployments))
	for _, d := range cfg.Deployments {
		if d.Version == "" || d.Collateral == "" {
			return fmt.Errorf("deployment needs version and collateral")
		}
		if seen[d.Key()] {
			return fmt.Errorf("duplicate deployment %s", d.Key())
		}
		seen[d.Key()] = true
		if err := d.Deployment().Validate(); err != nil {
			return err
		}
	}
	if _, err := cfg.ParamsRegistry(); err != nil {
		return err
	}
	if cfg.RPC.RefreshInterval < 0 || cfg.RPC.BlockDebounce < 0 {
		return fmt.Errorf("rpc intervals must not be negative")
	}
	return nil
}

// AccountAddress is the observed account, or the zero address when none
// is configured.
func (cfg Config) AccountAddress() common.Address {
	if cfg.Account == "" {
		return common.Address{}
	}
	return common.HexToAddress(cfg.Account)
}

// ChainDeployments returns every configured deployment.
func (cfg Config) ChainDeployments() []chain.Deployment {
	out := make([]chain.Deployment, 0, len(cfg.Deployments))
	for _, d := range cfg.Deployments {
		out = append(out, d.Deployment())
	}
	return out
}

// Lookup returns the deployment for key.
func (cfg Config) Lookup(key state.Key) (DeploymentConfig, bool) {
	for _, d := range cfg.Deployments {
		if d.Key() == key {
			return d, true
		}
	}
	return DeploymentConfig{}, false
}

// ParamsRegistry builds the per-collateral protocol constants from the
// deployments' overrides. Deployments sharing a collateral apply their
// overrides in file order.
func (cfg Config) ParamsRegistry() (*state.ParamsRegistry, error) {
	reg := state.NewParamsRegistry()
	for _, d := range cfg.Deployments {
		p, err := d.Params.apply(reg.Get(d.Collateral))
		if err != nil {
			return nil, fmt.Errorf("deployment %s: %w", d.Key(), err)
		}
		if err := reg.Update(p); err != nil {
			return nil, fmt.Errorf("deployment %s: %w", d.Key(), err)
		}
	}
	return reg, nil
}
