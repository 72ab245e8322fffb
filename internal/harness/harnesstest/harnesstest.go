// Package harnesstest drives harness scenarios from go test.
package harnesstest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/harness"
	"github.com/die-net/chaincheck/internal/scenario"
)

// Suite runs scenarios, or the base scenarios when none are given, as
// subtests of t. Each subtest fails on a scenario error or a violated
// invariant.
func Suite(t *testing.T, cfg harness.Config, scenarios ...scenario.Scenario) {
	t.Helper()

	if len(scenarios) == 0 {
		scenarios = scenario.Base()
	}
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}

	h := harness.New(cfg)
	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			report, err := h.Run(context.Background(), sc)
			require.NoError(t, err)
			if report.Verified {
				assert.Equal(t, report.Sent, report.Received)
				assert.Equal(t, []chain.TransportProtocol{report.Declared}, report.Transports)
			}
		})
	}
}
