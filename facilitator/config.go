package facilitator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	x402 "github.com/becomeliminal/x402-facilitator"
	"github.com/becomeliminal/x402-facilitator/ledger"
)

// Config is the facilitator daemon configuration, loaded from YAML.
// ${VAR} references are expanded from the environment before parsing.
type Config struct {
	ListenAddr           string        `yaml:"listen_addr"`
	LogLevel             string        `yaml:"log_level"`
	SettleTimeout        time.Duration `yaml:"settle_timeout"`
	FinalityPollInterval time.Duration `yaml:"finality_poll_interval"`
	ReconcileTimeout     time.Duration `yaml:"reconcile_timeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`

	Replay    ReplayConfig    `yaml:"replay"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Networks  []NetworkConfig `yaml:"networks"`
}

// ReplayConfig selects the replay guard backend.
type ReplayConfig struct {
	Backend        string        `yaml:"backend"` // "memory" | "redis"
	RedisAddr      string        `yaml:"redis_addr,omitempty"`
	RedisPassword  string        `yaml:"redis_password,omitempty"`
	RedisDB        int           `yaml:"redis_db,omitempty"`
	KeyPrefix      string        `yaml:"key_prefix,omitempty"`
	ReservationTTL time.Duration `yaml:"reservation_ttl,omitempty"`
}

// TelemetryConfig configures OTLP trace and metric export. Export is off without an endpoint.
type TelemetryConfig struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint,omitempty"` // e.g. "localhost:4317"
	Insecure     bool          `yaml:"insecure,omitempty"`
	Interval     time.Duration `yaml:"interval,omitempty"`
	SampleRate   *float64      `yaml:"sample_rate,omitempty"`
}

// NetworkConfig configures one chain.
type NetworkConfig struct {
	ID     string `yaml:"id"`     // CAIP-2
	Ledger string `yaml:"ledger"` // "evm" | "memory"

	RPCURL        string `yaml:"rpc_url,omitempty"`
	SignerKeyEnv  string `yaml:"signer_key_env,omitempty"` // env var holding the hex private key
	Confirmations uint64 `yaml:"confirmations,omitempty"`

	Permit2            string   `yaml:"permit2,omitempty"`
	SettlementContract string   `yaml:"settlement_contract,omitempty"`
	Methods            []string `yaml:"methods,omitempty"`

	// Tokens seeds the memory ledger.
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig is an EIP-3009 token known to a memory ledger.
type TokenConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Balances mints atomic amounts to holders at startup.
	Balances map[string]string `yaml:"balances,omitempty"`
}

// Ledger kinds.
const (
	LedgerEVM    = "evm"
	LedgerMemory = "memory"
)

// Replay backends.
const (
	ReplayMemory = "memory"
	ReplayRedis  = "redis"
)

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := ParseConfig(f)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates YAML config. Unknown keys are rejected.
func ParseConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and checks the config.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8402"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	if c.FinalityPollInterval <= 0 {
		c.FinalityPollInterval = time.Second
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = DefaultReconcileTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Telemetry.Interval <= 0 {
		c.Telemetry.Interval = 30 * time.Second
	}
	if c.Telemetry.SampleRate == nil {
		rate := 1.0
		c.Telemetry.SampleRate = &rate
	} else if r := *c.Telemetry.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("config: telemetry.sample_rate %v is outside [0, 1]", r)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	switch c.Replay.Backend {
	case "":
		c.Replay.Backend = ReplayMemory
	case ReplayMemory:
	case ReplayRedis:
		if c.Replay.RedisAddr == "" {
			return errors.New("config: replay.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown replay backend %q", c.Replay.Backend)
	}

	if len(c.Networks) == 0 {
		return errors.New("config: at least one network is required")
	}
	seen := make(map[string]bool)
	for i := range c.Networks {
		n := &c.Networks[i]
		if err := n.validate(); err != nil {
			return fmt.Errorf("config: networks[%d]: %w", i, err)
		}
		if seen[n.ID] {
			return fmt.Errorf("config: network %s listed twice", n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}

func (n *NetworkConfig) validate() error {
	n.ID = x402.NormalizeNetwork(n.ID)
	if _, err := x402.ChainID(n.ID); err != nil {
		return err
	}

	switch n.Ledger {
	case "", LedgerEVM:
		n.Ledger = LedgerEVM
		if n.RPCURL == "" {
			return fmt.Errorf("%s: rpc_url is required for the evm ledger", n.ID)
		}
		if n.SignerKeyEnv == "" {
			return fmt.Errorf("%s: signer_key_env is required for the evm ledger", n.ID)
		}
	case LedgerMemory:
	default:
		return fmt.Errorf("%s: unknown ledger %q", n.ID, n.Ledger)
	}

	for field, addr := range map[string]string{"permit2": n.Permit2, "settlement_contract": n.SettlementContract} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: %s is not an address: %q", n.ID, field, addr)
		}
	}
	for _, t := range n.Tokens {
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("%s: token address %q is invalid", n.ID, t.Address)
		}
		for holder, amount := range t.Balances {
			if !common.IsHexAddress(holder) {
				return fmt.Errorf("%s: balance holder %q is invalid", n.ID, holder)
			}
			if v, ok := new(big.Int).SetString(amount, 10); !ok || v.Sign() < 0 {
				return fmt.Errorf("%s: balance %q for %s is not an atomic amount", n.ID, amount, holder)
			}
		}
	}
	for _, m := range n.Methods {
		if _, ok := transferSchemes[x402.TransferMethod(strings.ToLower(m))]; !ok {
			return fmt.Errorf("%s: unknown transfer method %q", n.ID, m)
		}
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// Options converts the engine settings into facilitator options.
func (c *Config) Options() []Option {
	return []Option{
		WithSettleTimeout(c.SettleTimeout),
		WithPollInterval(c.FinalityPollInterval),
		WithReconcileTimeout(c.ReconcileTimeout),
	}
}

// Network converts the config into a Network served by l.
func (n *NetworkConfig) Network(l ledger.Ledger, signers ...string) Network {
	net := Network{
		ID:      n.ID,
		Ledger:  l,
		Signers: signers,
	}
	if n.Permit2 != "" {
		net.Permit2 = common.HexToAddress(n.Permit2)
	}
	if n.SettlementContract != "" {
		net.SettlementContract = common.HexToAddress(n.SettlementContract)
	}
	for _, m := range n.Methods {
		net.Methods = append(net.Methods, x402.TransferMethod(strings.ToLower(m)))
	}
	return net
}
