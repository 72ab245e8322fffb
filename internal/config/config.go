package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/proxy"
)

// File is the TOML layout of a chain description:
//
//	transport = "socks5"
//	serve = false
//	debug_listen = "127.0.0.1:6060"
//
//	[upstream]
//	listen = "127.0.0.1:0"
//
//	[downstream]
//	listen = "127.0.0.1:8080"
//
//	[timeouts]
//	dial = "10s"
//	negotiation = "10s"
//	http_idle = "90s"
//	tcp_keepalive = "45:45:3"
//
//	[ssh]
//	user = "chain"
//	password = "secret"
//	key = ""
//	known_hosts = ""
type File struct {
	Transport   chain.TransportProtocol `toml:"transport"`
	Serve       bool                    `toml:"serve"`
	DebugListen string                  `toml:"debug_listen"`

	Upstream   Listener `toml:"upstream"`
	Downstream Listener `toml:"downstream"`
	Timeouts   Timeouts `toml:"timeouts"`
	SSH        SSH      `toml:"ssh"`
}

// Listener is where one proxy instance binds.
type Listener struct {
	Listen string `toml:"listen"`
}

type Timeouts struct {
	Dial         Duration `toml:"dial"`
	Negotiation  Duration `toml:"negotiation"`
	HTTPIdle     Duration `toml:"http_idle"`
	TCPKeepAlive string   `toml:"tcp_keepalive"`
}

// SSH holds the credentials an SSH upstream accepts and the key material
// the downstream uses toward it.
type SSH struct {
	User       string `toml:"user"`
	Password   string `toml:"password"`
	Key        string `toml:"key"`
	KnownHosts string `toml:"known_hosts"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", b)
	}
	*d = Duration(v)
	return nil
}

// Default returns the settings used when no file is given.
func Default() File {
	return File{
		Transport:  chain.Plain,
		Upstream:   Listener{Listen: "127.0.0.1:0"},
		Downstream: Listener{Listen: "127.0.0.1:0"},
		Timeouts: Timeouts{
			Dial:         Duration(10 * time.Second),
			Negotiation:  Duration(10 * time.Second),
			HTTPIdle:     Duration(90 * time.Second),
			TCPKeepAlive: "45:45:3",
		},
		SSH: SSH{User: "chaincheck"},
	}
}

// Load reads path over Default. Keys the file does not know are an error.
func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	f, err := Decode(string(b))
	if err != nil {
		return File{}, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

// Decode parses a TOML document over Default.
func Decode(doc string) (File, error) {
	f := Default()
	md, err := toml.Decode(doc, &f)
	if err != nil {
		return File{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return File{}, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return f, f.Validate()
}

// Validate checks the values Decode cannot check on its own.
func (f File) Validate() error {
	if _, err := chain.ParseTransport(f.Transport.String()); err != nil {
		return err
	}
	if _, _, err := SplitListen(f.Upstream.Listen); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if _, _, err := SplitListen(f.Downstream.Listen); err != nil {
		return fmt.Errorf("downstream: %w", err)
	}
	if _, err := ParseTCPKeepAlive(f.Timeouts.TCPKeepAlive); err != nil {
		return fmt.Errorf("tcp_keepalive: %w", err)
	}
	if f.Transport == chain.SSH && f.SSH.User == "" {
		return errors.New("ssh transport requires ssh.user")
	}
	return nil
}

// ProxyConfig returns the proxy instance settings the file describes.
func (f File) ProxyConfig() (proxy.Config, error) {
	ka, err := ParseTCPKeepAlive(f.Timeouts.TCPKeepAlive)
	if err != nil {
		return proxy.Config{}, fmt.Errorf("tcp_keepalive: %w", err)
	}
	return proxy.Config{
		DialTimeout:        time.Duration(f.Timeouts.Dial),
		NegotiationTimeout: time.Duration(f.Timeouts.Negotiation),
		HTTPIdleTimeout:    time.Duration(f.Timeouts.HTTPIdle),
		KeepAlive:          ka,
		SSHKeyPath:         f.SSH.Key,
		SSHKnownHostsPath:  f.SSH.KnownHosts,
	}, nil
}

// SplitListen splits a host:port listen address. An empty host binds every
// interface and port 0 asks for an ephemeral port.
func SplitListen(addr string) (string, uint16, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("listen port %q: %w", port, err)
	}
	return host, uint16(n), nil
}
