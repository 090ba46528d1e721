package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/netclock/core/config"
)

const sample = `
servers = ["192.0.2.1", "time.example.org:123", "[2001:db8::1]:123"]
max_servers = 2
transport = "sntp"
local_address = "192.0.2.10"
dscp = 46

[clock]
history_size = 16
min_poll = "2s"
max_poll = "1m4s"
max_delay = "500ms"
outlier_factor = 2.5
startup_timeout = "30s"

[discovery]
enabled = true

[monitor]
address = "127.0.0.1:8080"

[server]
address = ":10123"
workers = 4
rate_limit = 2.5
advertise = "relay-1"
`

func TestDecode(t *testing.T) {
	cfg, err := config.Decode(strings.NewReader(sample))
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 3)
	require.Equal(t, config.TransportSNTP, cfg.Transport)
	require.Equal(t, uint8(46), cfg.DSCP)
	require.Equal(t, 16, cfg.Clock.HistorySize)
	require.Equal(t, config.Duration(2*time.Second), cfg.Clock.MinPoll)
	require.Equal(t, config.Duration(64*time.Second), cfg.Clock.MaxPoll)
	require.True(t, cfg.Discovery.Enabled)
	require.Equal(t, "_ntp._udp", cfg.Discovery.Service, "defaults must survive decoding")
	require.Equal(t, "127.0.0.1:8080", cfg.Monitor.Address)
	require.Equal(t, 4, cfg.Server.Workers)
	require.Equal(t, 16, cfg.Server.RateBurst)
	require.Equal(t, "relay-1", cfg.Server.Advertise)

	ncfg := cfg.NetClockConfig()
	require.Equal(t, 500*time.Millisecond, ncfg.MaxDelay)
	require.Equal(t, 2.5, ncfg.OutlierFactor)
	require.Equal(t, 30*time.Second, ncfg.StartupTimeout)
	require.Equal(t, 3, ncfg.FailureThreshold, "unset values keep their defaults")
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := config.Decode(strings.NewReader(`servers = ["a"]` + "\nunknown_field = 1\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"no servers", ``},
		{"bad transport", "servers = [\"a\"]\ntransport = \"tcp\"\n"},
		{"bad local address", "servers = [\"a\"]\nlocal_address = \"nope\"\n"},
		{"bad dscp", "servers = [\"a\"]\ndscp = 64\n"},
		{"inverted poll", "servers = [\"a\"]\n[clock]\nmin_poll = \"10s\"\nmax_poll = \"1s\"\n"},
		{"bad duration", "servers = [\"a\"]\n[clock]\nmin_poll = \"soon\"\n"},
		{"outlier factor below 1", "servers = [\"a\"]\n[clock]\noutlier_factor = 0.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Decode(strings.NewReader(tt.toml))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "netclock.toml")
	require.NoError(t, os.WriteFile(p, []byte(sample), 0o600))
	cfg, err := config.Load(p)
	require.NoError(t, err)
	require.Equal(t, "192.0.2.10", cfg.LocalAddr)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestSelectServers(t *testing.T) {
	servers := []string{"a", "b", "c", "d", "e"}

	cfg := config.Defaults()
	all, err := cfg.SelectServers(servers)
	require.NoError(t, err)
	require.Equal(t, servers, all)

	cfg.MaxServers = 3
	for range 20 {
		sel, err := cfg.SelectServers(servers)
		require.NoError(t, err)
		require.Len(t, sel, 3)
		require.Subset(t, servers, sel)
		require.IsIncreasing(t, sel)
	}
}
