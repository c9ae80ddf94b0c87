package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("EVENT_MANAGER_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("RELAYER_PRIVATE_KEY", "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 3001 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Chain.ChainID != 31337 {
		t.Errorf("chain id = %d", cfg.Chain.ChainID)
	}
	if got := strings.Join(cfg.Policy.AllowedFunctions, ","); got != "registerAsFan,registerAsMusician,buyTicket" {
		t.Errorf("allowed functions = %s", got)
	}
	if cfg.Policy.Window() != time.Hour {
		t.Errorf("window = %s", cfg.Policy.Window())
	}
	if cfg.Sponsor.ConfirmTimeout() != 2*time.Minute {
		t.Errorf("confirm timeout = %s", cfg.Sponsor.ConfirmTimeout())
	}
	if len(cfg.Server.TrustedProxies) != 0 {
		t.Errorf("trusted proxies = %v, want none", cfg.Server.TrustedProxies)
	}
	if cfg.Sponsor.RoleGasLimit != 150000 || cfg.Sponsor.DefaultGasLimit != 500000 {
		t.Errorf("gas limits = %d/%d", cfg.Sponsor.RoleGasLimit, cfg.Sponsor.DefaultGasLimit)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "8080")
	t.Setenv("SPONSORED_FUNCTIONS", "buyTicket, listTicket ,")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("MAX_CALLS_PER_WINDOW", "7")
	t.Setenv("SPEND_WINDOW_SEC", "60")
	t.Setenv("REDIS_ADDR", "localhost:6380")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Policy.AllowedFunctions, "|"); got != "buyTicket|listTicket" {
		t.Errorf("allowed functions = %q", got)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("cors origins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Policy.MaxCallsPerWindow != 7 || cfg.Policy.Window() != time.Minute {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if got := strings.Join(cfg.Server.TrustedProxies, "|"); got != "10.0.0.0/8|192.168.1.1" {
		t.Errorf("trusted proxies = %q", got)
	}
	if cfg.Redis.Addr != "localhost:6380" {
		t.Errorf("redis addr = %s", cfg.Redis.Addr)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, tc := range []struct {
		unset string
		want  string
	}{
		{"RPC_URL", "RPC_URL"},
		{"EVENT_MANAGER_ADDRESS", "EVENT_MANAGER_ADDRESS"},
		{"CHAIN_ID", "CHAIN_ID"},
		{"RELAYER_PRIVATE_KEY", "RELAYER_PRIVATE_KEY"},
	} {
		t.Run(tc.unset, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.unset, "")
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	for _, tc := range []struct {
		env, val string
	}{
		{"MAX_VALUE_PER_CALL_WEI", "0.5"},
		{"MAX_SPEND_PER_WINDOW_WEI", "-1"},
		{"MIN_SPONSOR_BALANCE_WEI", "lots"},
		{"SPEND_WINDOW_SEC", "0"},
		{"ROLE_GAS_LIMIT", "0"},
	} {
		t.Run(tc.env, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.env, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s accepted", tc.env, tc.val)
			}
		})
	}
}

func TestParseWei(t *testing.T) {
	if n, err := ParseWei(""); err != nil || n.Sign() != 0 {
		t.Errorf("empty: %v %v", n, err)
	}
	if n, err := ParseWei("1000000000000000000"); err != nil || n.String() != "1000000000000000000" {
		t.Errorf("1e18: %v %v", n, err)
	}
	for _, bad := range []string{"-5", "1e18", "0x10", "abc"} {
		if _, err := ParseWei(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}
