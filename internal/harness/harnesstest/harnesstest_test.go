package harnesstest

import (
	"testing"

	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/harness"
)

func TestBaseSuiteEachTransport(t *testing.T) {
	for _, transport := range []chain.TransportProtocol{chain.Plain, chain.TLS, chain.SOCKS5, chain.SSH} {
		t.Run(transport.String(), func(t *testing.T) {
			Suite(t, harness.Config{Transport: transport})
		})
	}
}
