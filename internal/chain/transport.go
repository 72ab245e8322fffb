package chain

import (
	"fmt"
	"strings"
)

// TransportProtocol is the protocol spoken on the hop to a chained proxy.
type TransportProtocol int

const (
	// Plain is an HTTP proxy reached over TCP.
	Plain TransportProtocol = iota + 1
	// TLS is an HTTP proxy reached over TLS.
	TLS
	// SOCKS5 is a SOCKS5 proxy; each request opens one CONNECT tunnel.
	SOCKS5
	// SSH is an SSH server; each request opens one direct-tcpip channel.
	SSH
)

var transportNames = map[TransportProtocol]string{
	Plain:  "plain",
	TLS:    "tls",
	SOCKS5: "socks5",
	SSH:    "ssh",
}

var transportSchemes = map[TransportProtocol]string{
	Plain:  "http",
	TLS:    "https",
	SOCKS5: "socks5",
	SSH:    "ssh",
}

func (t TransportProtocol) String() string {
	if s, ok := transportNames[t]; ok {
		return s
	}
	return fmt.Sprintf("transport(%d)", int(t))
}

// Scheme returns the URL scheme used for t in upstream URLs.
func (t TransportProtocol) Scheme() string {
	return transportSchemes[t]
}

// Tunnel reports whether every request on this transport needs its own
// tunnel to the chained proxy.
func (t TransportProtocol) Tunnel() bool {
	return t == SOCKS5 || t == SSH
}

// DefaultPort is the port assumed when an upstream URL omits one.
func (t TransportProtocol) DefaultPort() uint16 {
	switch t {
	case Plain:
		return 80
	case TLS:
		return 443
	case SOCKS5:
		return 1080
	case SSH:
		return 22
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t TransportProtocol) MarshalText() ([]byte, error) {
	s, ok := transportNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown transport %d", int(t))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TransportProtocol) UnmarshalText(b []byte) error {
	v, err := ParseTransport(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTransport parses a transport name (plain, tls, socks5, ssh).
// Case is ignored.
func ParseTransport(s string) (TransportProtocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range transportNames {
		if s == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalid transport: %q", s)
}

// TransportForScheme maps an upstream URL scheme to its transport.
func TransportForScheme(scheme string) (TransportProtocol, bool) {
	scheme = strings.ToLower(scheme)
	for t, s := range transportSchemes {
		if s == scheme {
			return t, true
		}
	}
	return 0, false
}
