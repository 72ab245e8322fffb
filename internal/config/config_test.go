package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/chaincheck/internal/chain"
)

func TestDecode(t *testing.T) {
	f, err := Decode(`
transport = "ssh"
serve = true

[downstream]
listen = "127.0.0.1:8080"

[timeouts]
dial = "3s"
tcp_keepalive = "off"

[ssh]
user = "chain"
password = "secret"
`)
	require.NoError(t, err)

	assert.Equal(t, chain.SSH, f.Transport)
	assert.True(t, f.Serve)
	assert.Equal(t, "127.0.0.1:0", f.Upstream.Listen)
	assert.Equal(t, "127.0.0.1:8080", f.Downstream.Listen)
	assert.Equal(t, Duration(3*time.Second), f.Timeouts.Dial)
	assert.Equal(t, Duration(10*time.Second), f.Timeouts.Negotiation)
	assert.Equal(t, "chain", f.SSH.User)

	cfg, err := f.ProxyConfig()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.DialTimeout)
	assert.False(t, cfg.KeepAlive.Enable)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown transport", `transport = "quic"`},
		{"unknown key", `colour = "blue"`},
		{"bad duration", "[timeouts]\ndial = \"soon\""},
		{"negative duration", "[timeouts]\ndial = \"-1s\""},
		{"bad listen", "[upstream]\nlisten = \"localhost\""},
		{"bad keepalive", "[timeouts]\ntcp_keepalive = \"1:2\""},
		{"ssh without user", "transport = \"ssh\"\n[ssh]\nuser = \"\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.doc)
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.toml")
	require.NoError(t, os.WriteFile(path, []byte(`transport = "tls"`), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, chain.TLS, f.Transport)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestSplitListen(t *testing.T) {
	host, port, err := SplitListen("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, uint16(0), port)

	host, port, err = SplitListen(":3128")
	require.NoError(t, err)
	assert.Empty(t, host)
	assert.Equal(t, uint16(3128), port)

	_, _, err = SplitListen("127.0.0.1:70000")
	assert.Error(t, err)
}

func TestParseTCPKeepAlive(t *testing.T) {
	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:45:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 45 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "1:2", wantErr: true},
		{in: "0:1:1", wantErr: true},
		{in: "a:1:1", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseTCPKeepAlive(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
