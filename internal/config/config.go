package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Abdullah1738/token-raffle/offchain/deployments"
	"github.com/Abdullah1738/token-raffle/offchain/helius"
	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/randomness"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
	"github.com/Abdullah1738/token-raffle/offchain/txbuilder"
)

const (
	FundingAirdrop  = "airdrop"
	FundingTransfer = "transfer"
)

type Config struct {
	Chain      ChainConfig
	Raffle     RaffleConfig
	Randomness RandomnessConfig
	Funding    FundingConfig
	Redis      RedisConfig
	Server     ServerConfig
	Tx         TxConfig
}

type ChainConfig struct {
	RPCURL         string `mapstructure:"rpc_url"`
	HeliusAPIKey   string `mapstructure:"helius_api_key"`
	HeliusCluster  string `mapstructure:"helius_cluster"`
	Deployment     string `mapstructure:"deployment"`
	DeploymentFile string `mapstructure:"deployment_file"`
}

type RaffleConfig struct {
	ProgramID string `mapstructure:"program_id"`
}

type RandomnessConfig struct {
	ProgramID string `mapstructure:"program_id"`
	Queue     string `mapstructure:"queue"`
	Oracle    string `mapstructure:"oracle"`
}

type FundingConfig struct {
	Mode           string `mapstructure:"mode"`
	Keypair        string `mapstructure:"keypair"`
	BufferLamports uint64 `mapstructure:"buffer_lamports"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	LedgerTTL time.Duration `mapstructure:"ledger_ttl"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type TxConfig struct {
	CULimit         uint32        `mapstructure:"cu_limit"`
	CUPrice         uint64        `mapstructure:"cu_price"`
	CUPriceCeiling  uint64        `mapstructure:"cu_price_ceiling"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollMaxAttempts int           `mapstructure:"poll_max_attempts"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("chain.helius_cluster", string(helius.ClusterDevnet))
	v.SetDefault("raffle.program_id", raffle.DefaultProgramID.Base58())
	v.SetDefault("randomness.program_id", randomness.DevnetProgramID.Base58())
	v.SetDefault("randomness.queue", randomness.DevnetQueue.Base58())
	v.SetDefault("funding.mode", FundingAirdrop)
	v.SetDefault("funding.buffer_lamports", 1_000_000)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ledger_ttl", "24h")
	v.SetDefault("server.port", 8080)
	v.SetDefault("tx.cu_limit", 400_000)
	v.SetDefault("tx.cu_price", 1)
	v.SetDefault("tx.cu_price_ceiling", 1_000_000)
	v.SetDefault("tx.poll_interval", "500ms")
	v.SetDefault("tx.poll_max_attempts", 60)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"chain.rpc_url":           "RPC_URL",
		"chain.helius_api_key":    "HELIUS_API_KEY",
		"chain.helius_cluster":    "HELIUS_CLUSTER",
		"chain.deployment":        "DEPLOYMENT",
		"chain.deployment_file":   "DEPLOYMENT_FILE",
		"raffle.program_id":       "RAFFLE_PROGRAM_ID",
		"randomness.program_id":   "RANDOMNESS_PROGRAM_ID",
		"randomness.queue":        "RANDOMNESS_QUEUE",
		"randomness.oracle":       "RANDOMNESS_ORACLE",
		"funding.mode":            "FUNDING_MODE",
		"funding.keypair":         "FUNDER_KEYPAIR",
		"funding.buffer_lamports": "FUNDING_BUFFER_LAMPORTS",
		"redis.addr":              "REDIS_ADDR",
		"redis.password":          "REDIS_PASSWORD",
		"redis.ledger_ttl":        "LEDGER_TTL",
		"server.port":             "PORT",
		"tx.cu_limit":             "CU_LIMIT",
		"tx.cu_price":             "CU_PRICE",
		"tx.cu_price_ceiling":     "CU_PRICE_CEILING",
		"tx.poll_interval":        "POLL_INTERVAL",
		"tx.poll_max_attempts":    "POLL_MAX_ATTEMPTS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	// A named deployment replaces the built-in defaults; explicit settings
	// still win.
	if name := v.GetString("chain.deployment"); name != "" {
		if err := applyDeployment(v, name, v.GetString("chain.deployment_file")); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func applyDeployment(v *viper.Viper, name, file string) error {
	if file == "" {
		return fmt.Errorf("required config missing: DEPLOYMENT_FILE (DEPLOYMENT=%s)", name)
	}
	reg, err := deployments.Load(file)
	if err != nil {
		return fmt.Errorf("load deployments: %w", err)
	}
	d, err := reg.FindByName(name)
	if err != nil {
		return err
	}
	for key, val := range map[string]string{
		"chain.rpc_url":         d.RPCURL,
		"chain.helius_cluster":  d.Cluster,
		"raffle.program_id":     d.RaffleProgramID,
		"randomness.program_id": d.RandomnessProgramID,
		"randomness.queue":      d.RandomnessQueue,
		"randomness.oracle":     d.RandomnessOracle,
	} {
		if val != "" {
			v.SetDefault(key, val)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Chain.RPCURL == "" && c.Chain.HeliusAPIKey == "" {
		return fmt.Errorf("required config missing: RPC_URL or HELIUS_API_KEY")
	}
	if _, err := c.RaffleProgramID(); err != nil {
		return err
	}
	if c.Tx.CULimit == 0 {
		return fmt.Errorf("invalid config: CU_LIMIT must be positive")
	}
	return nil
}

// ValidateServer checks what the commit server needs beyond the client
// settings.
func (c *Config) ValidateServer() error {
	if c.Randomness.Oracle == "" {
		return fmt.Errorf("required config missing: RANDOMNESS_ORACLE")
	}
	if _, err := c.RandomnessBinding(); err != nil {
		return err
	}
	switch c.Funding.Mode {
	case FundingAirdrop:
	case FundingTransfer:
		if c.Funding.Keypair == "" {
			return fmt.Errorf("required config missing: FUNDER_KEYPAIR (FUNDING_MODE=transfer)")
		}
	default:
		return fmt.Errorf("invalid config: FUNDING_MODE must be %q or %q, got %q", FundingAirdrop, FundingTransfer, c.Funding.Mode)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: REDIS_ADDR")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid config: PORT must be positive")
	}
	return nil
}

// RPCEndpoint prefers RPC_URL and falls back to the Helius endpoint.
func (c *Config) RPCEndpoint() (string, error) {
	if c.Chain.RPCURL != "" {
		return c.Chain.RPCURL, nil
	}
	return helius.RPCURL(helius.Cluster(c.Chain.HeliusCluster), c.Chain.HeliusAPIKey)
}

func (c *Config) RaffleProgramID() (solana.Pubkey, error) {
	pk, err := solana.ParsePubkey(c.Raffle.ProgramID)
	if err != nil {
		return solana.Pubkey{}, fmt.Errorf("invalid config: RAFFLE_PROGRAM_ID: %w", err)
	}
	return pk, nil
}

// RandomnessBinding parses the oracle deployment. Oracle stays zero when
// unset; ValidateServer requires it for the commit server.
func (c *Config) RandomnessBinding() (randomness.Binding, error) {
	var (
		b   randomness.Binding
		err error
	)
	if b.ProgramID, err = solana.ParsePubkey(c.Randomness.ProgramID); err != nil {
		return b, fmt.Errorf("invalid config: RANDOMNESS_PROGRAM_ID: %w", err)
	}
	if b.Queue, err = solana.ParsePubkey(c.Randomness.Queue); err != nil {
		return b, fmt.Errorf("invalid config: RANDOMNESS_QUEUE: %w", err)
	}
	if c.Randomness.Oracle == "" {
		return b, nil
	}
	if b.Oracle, err = solana.ParsePubkey(c.Randomness.Oracle); err != nil {
		return b, fmt.Errorf("invalid config: RANDOMNESS_ORACLE: %w", err)
	}
	return b, nil
}

func (c *Config) PollPolicy() solanarpc.PollPolicy {
	p := solanarpc.DefaultPollPolicy()
	if c.Tx.PollInterval > 0 {
		p.Interval = c.Tx.PollInterval
	}
	if c.Tx.PollMaxAttempts > 0 {
		p.MaxAttempts = c.Tx.PollMaxAttempts
	}
	return p
}

// ComputeBudget prices from Helius when an API key is configured.
func (c *Config) ComputeBudget() *txbuilder.ComputeBudget {
	return &txbuilder.ComputeBudget{
		UnitLimit:    c.Tx.CULimit,
		UnitPrice:    c.Tx.CUPrice,
		AutoPrice:    c.Chain.HeliusAPIKey != "",
		Priority:     helius.PriorityMedium,
		PriceCeiling: c.Tx.CUPriceCeiling,
	}
}
