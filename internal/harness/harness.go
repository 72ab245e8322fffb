package harness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/die-net/chaincheck/internal/activity"
	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/proxy"
	"github.com/die-net/chaincheck/internal/scenario"
)

// State is where a Harness is in a scenario run.
type State int32

const (
	Idle State = iota
	UpstreamStarted
	DownstreamStarted
	ScenarioExecuting
	Verifying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case UpstreamStarted:
		return "upstream-started"
	case DownstreamStarted:
		return "downstream-started"
	case ScenarioExecuting:
		return "scenario-executing"
	case Verifying:
		return "verifying"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config describes the chain a Harness builds. The zero value chains a
// Plain downstream to a Plain upstream on loopback.
type Config struct {
	// Transport is the hop transport when Upstream is nil.
	Transport chain.TransportProtocol

	// Direct runs the downstream without a selector. Nothing is verified.
	Direct bool
	// ExpectBadGatewayForEverything marks configurations in which no
	// request can complete. Scenarios expect 502 and nothing is verified.
	ExpectBadGatewayForEverything bool

	// Upstream overrides the upstream instance. The harness names it
	// "Upstream", binds it to an ephemeral port, and adds its own tracker.
	Upstream func() (Upstream, error)
	// Downstream overrides the downstream instance. The harness names it
	// "Downstream", binds it to an ephemeral port, and installs the selector
	// and its own tracker.
	Downstream func() proxy.Bootstrap
	// ChainedProxy overrides the descriptor of the upstream as seen by the
	// downstream. up is the started upstream.
	ChainedProxy func(ctx context.Context, up *proxy.Server) (chain.ChainedProxy, error)
	// Selector overrides how the downstream selects cp. The default always
	// returns cp alone.
	Selector func(cp chain.ChainedProxy) chain.Selector

	// UpstreamHost is resolved to reach the upstream; "127.0.0.1" when
	// empty. Resolver does the lookup; net.DefaultResolver when nil.
	UpstreamHost string
	Resolver     chain.Resolver

	// UpstreamTracker and DownstreamTracker are installed after the
	// counting trackers.
	UpstreamTracker   activity.Tracker
	DownstreamTracker activity.Tracker

	// Proxy configures both instances; proxy.DefaultConfig when zero.
	Proxy  proxy.Config
	Logger *zap.Logger
}

// Report is the outcome of one scenario run.
type Report struct {
	Scenario   string
	Sent       int64
	Received   int64
	Transports []chain.TransportProtocol
	Declared   chain.TransportProtocol
	// Verified is set when the chaining invariants were checked.
	Verified bool
}

// Harness runs scenarios against a downstream chained to an upstream and
// checks the chaining invariants after each one. A Harness runs one
// scenario at a time.
type Harness struct {
	cfg Config
	log *zap.Logger

	sent       atomic.Int64
	received   atomic.Int64
	transports chain.TransportSet
	state      atomic.Int32

	upstream *proxy.Server
	declared chain.TransportProtocol
}

// New returns a Harness for cfg.
func New(cfg Config) *Harness {
	if cfg.Transport == 0 {
		cfg.Transport = chain.Plain
	}
	if cfg.UpstreamHost == "" {
		cfg.UpstreamHost = loopback
	}
	if cfg.Proxy == (proxy.Config{}) {
		cfg.Proxy = proxy.DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Harness{cfg: cfg, log: log}
}

// Chained reports whether the downstream chains to the upstream.
func (h *Harness) Chained() bool {
	return !h.cfg.Direct
}

// ExpectBadGatewayForEverything reports whether every request is expected
// to fail with 502.
func (h *Harness) ExpectBadGatewayForEverything() bool {
	return h.cfg.ExpectBadGatewayForEverything
}

func (h *Harness) State() State {
	return State(h.state.Load())
}

// SentByDownstream is the number of requests the downstream forwarded to a
// chained proxy since the last SetUp.
func (h *Harness) SentByDownstream() int64 {
	return h.sent.Load()
}

// ReceivedByUpstream is the number of requests the upstream received since
// the last SetUp.
func (h *Harness) ReceivedByUpstream() int64 {
	return h.received.Load()
}

// TransportsUsed returns the distinct hop transports seen since the last
// SetUp.
func (h *Harness) TransportsUsed() []chain.TransportProtocol {
	return h.transports.Values()
}

// Upstream returns the running upstream, or nil outside a run.
func (h *Harness) Upstream() *proxy.Server {
	return h.upstream
}

// downstreamTracker counts every request forwarded through a chained proxy
// and the transport used for it.
func (h *Harness) downstreamTracker() activity.Tracker {
	return activity.Funcs{
		OnRequestSentToServer: func(flow activity.FullFlowContext, _ *http.Request) {
			if !flow.Chained() {
				return
			}
			h.sent.Inc()
			h.transports.Add(flow.ChainedProxy.Transport)
		},
	}
}

// upstreamTracker counts every request the upstream receives.
func (h *Harness) upstreamTracker() activity.Tracker {
	return activity.Funcs{
		OnRequestReceivedFromClient: func(activity.FlowContext, *http.Request) {
			h.received.Inc()
		},
	}
}

// SetUp resets the counters, starts the upstream and then the downstream
// fixture. On error nothing is left running.
func (h *Harness) SetUp(ctx context.Context) (*scenario.Fixture, error) {
	// Claiming the harness up front rejects a concurrent SetUp.
	if !h.state.CAS(int32(Idle), int32(UpstreamStarted)) {
		return nil, fmt.Errorf("harness: set up while %s", h.State())
	}
	h.sent.Store(0)
	h.received.Store(0)
	h.transports.Reset()
	h.declared = 0

	up, err := h.upstreamBootstrap()
	if err != nil {
		h.state.Store(int32(Idle))
		return nil, fmt.Errorf("upstream: %w", err)
	}
	h.upstream, err = up.Bootstrap.Start(ctx)
	if err != nil {
		h.upstream = nil
		h.state.Store(int32(Idle))
		return nil, err
	}

	fixture, err := h.startDownstream(ctx, up)
	if err != nil {
		_ = h.TearDown()
		return nil, err
	}
	h.state.Store(int32(DownstreamStarted))
	return fixture, nil
}

func (h *Harness) upstreamBootstrap() (Upstream, error) {
	var (
		up  Upstream
		err error
	)
	if h.cfg.Upstream != nil {
		up, err = h.cfg.Upstream()
	} else {
		up, err = DefaultUpstream(h.cfg.Transport)
	}
	if err != nil {
		return Upstream{}, err
	}

	up.Bootstrap = up.Bootstrap.
		WithName("Upstream").
		WithPort(0).
		WithConfig(h.cfg.Proxy).
		WithLogger(h.log).
		PlusActivityTracker(h.upstreamTracker())
	if h.cfg.UpstreamTracker != nil {
		up.Bootstrap = up.Bootstrap.PlusActivityTracker(h.cfg.UpstreamTracker)
	}
	return up, nil
}

func (h *Harness) startDownstream(ctx context.Context, up Upstream) (*scenario.Fixture, error) {
	b := proxy.NewBootstrap()
	if h.cfg.Downstream != nil {
		b = h.cfg.Downstream()
	}
	b = b.WithName("Downstream").
		WithPort(0).
		WithConfig(h.cfg.Proxy).
		WithLogger(h.log).
		PlusActivityTracker(h.downstreamTracker())
	if h.cfg.DownstreamTracker != nil {
		b = b.PlusActivityTracker(h.cfg.DownstreamTracker)
	}

	if h.Chained() {
		cp, err := h.chainedProxy(ctx, up)
		if err != nil {
			return nil, err
		}
		h.declared = cp.Transport

		selector := chain.Fixed(cp)
		if h.cfg.Selector != nil {
			selector = h.cfg.Selector(cp)
		}
		b = b.WithChainProxyManager(selector)
		h.log.Debug("downstream chains", zap.Stringer("chained", cp))
	} else {
		b = b.WithChainProxyManager(nil)
	}

	flags := scenario.Flags{
		Chained:                       h.Chained(),
		ExpectBadGatewayForEverything: h.cfg.ExpectBadGatewayForEverything,
	}
	return scenario.StartFixture(ctx, b, flags, h.log)
}

func (h *Harness) chainedProxy(ctx context.Context, up Upstream) (chain.ChainedProxy, error) {
	if h.cfg.ChainedProxy != nil {
		return h.cfg.ChainedProxy(ctx, h.upstream)
	}
	return up.ChainedProxy(ctx, h.resolver(), h.cfg.UpstreamHost, h.upstream.ListenAddress())
}

func (h *Harness) resolver() chain.Resolver {
	if h.cfg.Resolver != nil {
		return h.cfg.Resolver
	}
	return net.DefaultResolver
}

// Verify checks the chaining invariants against the counters. Every
// violation is returned as an *InvariantError, joined.
func (h *Harness) Verify() error {
	prev := h.state.Swap(int32(Verifying))
	defer h.state.Store(prev)

	sent, received := h.sent.Load(), h.received.Load()
	used := h.transports.Values()

	var errs []error
	if sent != received {
		errs = append(errs, &InvariantError{Invariant: invariantDelivery, Expected: sent, Actual: received})
	}
	if len(used) != 1 {
		errs = append(errs, &InvariantError{Invariant: invariantOneTransp, Expected: 1, Actual: len(used)})
	}
	if !h.transports.Contains(h.declared) {
		errs = append(errs, &InvariantError{Invariant: invariantDeclared, Expected: h.declared, Actual: used})
	}
	return errors.Join(errs...)
}

// TearDown stops the upstream. The downstream belongs to the fixture.
func (h *Harness) TearDown() error {
	defer h.state.Store(int32(Idle))
	if h.upstream == nil {
		return nil
	}
	err := h.upstream.Stop()
	h.upstream = nil
	return err
}

// Run sets up, runs sc, verifies when the configuration is chained and not
// expected to fail everything, and tears down. The error joins the
// scenario's failure with any invariant violations.
func (h *Harness) Run(ctx context.Context, sc scenario.Scenario) (Report, error) {
	report := Report{Scenario: sc.Name}

	fixture, err := h.SetUp(ctx)
	if err != nil {
		return report, fmt.Errorf("%s: %w: %w", sc.Name, ErrSetUp, err)
	}
	defer h.TearDown()
	defer fixture.Close()

	h.state.Store(int32(ScenarioExecuting))
	runErr := sc.Run(ctx, fixture)
	if runErr != nil {
		runErr = fmt.Errorf("%s: %w", sc.Name, runErr)
	}

	var verifyErr error
	if h.Chained() && !h.ExpectBadGatewayForEverything() {
		report.Verified = true
		verifyErr = h.Verify()
	}

	report.Sent = h.sent.Load()
	report.Received = h.received.Load()
	report.Transports = h.transports.Values()
	report.Declared = h.declared

	h.log.Info("scenario finished",
		zap.String("scenario", sc.Name),
		zap.Int64("sent", report.Sent),
		zap.Int64("received", report.Received),
		zap.Any("transports", report.Transports),
		zap.Bool("verified", report.Verified),
		zap.NamedError("scenario_error", runErr),
		zap.NamedError("invariant_error", verifyErr))

	return report, errors.Join(runErr, verifyErr)
}

// RunAll runs every scenario in order and returns each report. It stops at
// the first set up failure; scenario and invariant failures are collected.
func (h *Harness) RunAll(ctx context.Context, scenarios ...scenario.Scenario) ([]Report, error) {
	var (
		reports []Report
		errs    []error
	)
	for _, sc := range scenarios {
		report, err := h.Run(ctx, sc)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrSetUp) {
				break
			}
		}
	}
	return reports, errors.Join(errs...)
}
