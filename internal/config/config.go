package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Chain   ChainConfig
	Sponsor SponsorConfig
	Policy  PolicyConfig
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	GRPCPort       int      `mapstructure:"grpc_port"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	RPCURL       string `mapstructure:"rpc_url"`
	ChainID      int64  `mapstructure:"chain_id"`
	EventManager string `mapstructure:"event_manager"`
	Ticket       string `mapstructure:"ticket"`
	Marketplace  string `mapstructure:"marketplace"`
}

type SponsorConfig struct {
	PrivateKey        string            `mapstructure:"private_key"`
	KeystorePath      string            `mapstructure:"keystore_path"`
	KeystorePassword  string            `mapstructure:"keystore_password"`
	ConfirmTimeoutSec int64             `mapstructure:"confirm_timeout_sec"`
	MinBalanceWei     string            `mapstructure:"min_balance_wei"`
	RoleGasLimit      uint64            `mapstructure:"role_gas_limit"`
	DefaultGasLimit   uint64            `mapstructure:"default_gas_limit"`
	GasLimits         map[string]uint64 `mapstructure:"gas_limits"`
}

type PolicyConfig struct {
	AllowedFunctions     []string `mapstructure:"allowed_functions"`
	MaxValuePerCallWei   string   `mapstructure:"max_value_per_call_wei"`
	MaxSpendPerWindowWei string   `mapstructure:"max_spend_per_window_wei"`
	MaxCallsPerWindow    int64    `mapstructure:"max_calls_per_window"`
	WindowSec            int64    `mapstructure:"window_sec"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 5)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("sponsor.confirm_timeout_sec", 120)
	v.SetDefault("sponsor.min_balance_wei", "0")
	v.SetDefault("sponsor.role_gas_limit", 150000)
	v.SetDefault("sponsor.default_gas_limit", 500000)
	v.SetDefault("policy.allowed_functions", []string{"registerAsFan", "registerAsMusician", "buyTicket"})
	v.SetDefault("policy.max_value_per_call_wei", "10000000000000000")     // 0.01
	v.SetDefault("policy.max_spend_per_window_wei", "100000000000000000") // 0.1
	v.SetDefault("policy.max_calls_per_window", 0)
	v.SetDefault("policy.window_sec", 3600)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                     "PORT",
		"server.grpc_port":                "GRPC_HEALTH_PORT",
		"server.cors_origins":             "CORS_ORIGINS",
		"server.trusted_proxies":          "TRUSTED_PROXIES",
		"server.rate_limit_rps":           "RATE_LIMIT_RPS",
		"server.rate_limit_burst":         "RATE_LIMIT_BURST",
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
		"chain.rpc_url":                   "RPC_URL",
		"chain.chain_id":                  "CHAIN_ID",
		"chain.event_manager":             "EVENT_MANAGER_ADDRESS",
		"chain.ticket":                    "TICKET_ADDRESS",
		"chain.marketplace":               "MARKETPLACE_ADDRESS",
		"sponsor.private_key":             "RELAYER_PRIVATE_KEY",
		"sponsor.keystore_path":           "SPONSOR_KEYSTORE",
		"sponsor.keystore_password":       "SPONSOR_KEYSTORE_PASSWORD",
		"sponsor.confirm_timeout_sec":     "CONFIRM_TIMEOUT_SEC",
		"sponsor.min_balance_wei":         "MIN_SPONSOR_BALANCE_WEI",
		"sponsor.role_gas_limit":          "ROLE_GAS_LIMIT",
		"sponsor.default_gas_limit":       "DEFAULT_GAS_LIMIT",
		"policy.allowed_functions":        "SPONSORED_FUNCTIONS",
		"policy.max_value_per_call_wei":   "MAX_VALUE_PER_CALL_WEI",
		"policy.max_spend_per_window_wei": "MAX_SPEND_PER_WINDOW_WEI",
		"policy.max_calls_per_window":     "MAX_CALLS_PER_WINDOW",
		"policy.window_sec":               "SPEND_WINDOW_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Comma-separated env values arrive as a single element.
	cfg.Policy.AllowedFunctions = splitList(cfg.Policy.AllowedFunctions)
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)
	cfg.Server.TrustedProxies = splitList(cfg.Server.TrustedProxies)

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.EventManager, "EVENT_MANAGER_ADDRESS"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Sponsor.PrivateKey == "" && c.Sponsor.KeystorePath == "" {
		return fmt.Errorf("required config missing: RELAYER_PRIVATE_KEY or SPONSOR_KEYSTORE")
	}
	for _, w := range []struct {
		val  string
		name string
	}{
		{c.Sponsor.MinBalanceWei, "MIN_SPONSOR_BALANCE_WEI"},
		{c.Policy.MaxValuePerCallWei, "MAX_VALUE_PER_CALL_WEI"},
		{c.Policy.MaxSpendPerWindowWei, "MAX_SPEND_PER_WINDOW_WEI"},
	} {
		if _, err := ParseWei(w.val); err != nil {
			return fmt.Errorf("invalid %s: %w", w.name, err)
		}
	}
	if c.Policy.WindowSec <= 0 {
		return fmt.Errorf("invalid SPEND_WINDOW_SEC: must be positive")
	}
	if c.Sponsor.RoleGasLimit == 0 || c.Sponsor.DefaultGasLimit == 0 {
		return fmt.Errorf("gas limits must be positive")
	}
	return nil
}

// ConfirmTimeout is how long a submitted transaction may wait for inclusion.
func (c SponsorConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSec) * time.Second
}

// Window is the rolling spend-accounting window.
func (c PolicyConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// ParseWei parses a base-10 wei amount. Empty means zero.
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("not a non-negative integer: %q", s)
	}
	return n, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
