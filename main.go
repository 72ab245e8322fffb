package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/matgreaves/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/chaincheck/internal/activity"
	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/config"
	"github.com/die-net/chaincheck/internal/harness"
	"github.com/die-net/chaincheck/internal/logging"
	"github.com/die-net/chaincheck/internal/proxy"
	"github.com/die-net/chaincheck/internal/scenario"
	"github.com/die-net/chaincheck/internal/ssh"
)

func main() {
	if err := runMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMain() error {
	var (
		configPath = pflag.String("config", "", "TOML file describing the chain. Flags that are set override it.")
		transport  = pflag.String("transport", "plain", "Hop transport between downstream and upstream: plain | tls | socks5 | ssh")
		serve      = pflag.Bool("serve", false, "Keep the chain up for manual traffic instead of running the checks")

		upstreamListen   = pflag.String("upstream-listen", "127.0.0.1:0", "Upstream listen address with --serve")
		downstreamListen = pflag.String("downstream-listen", "127.0.0.1:0", "Downstream HTTP proxy listen address with --serve")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 0, "Timeout for outbound DNS lookup and TCP connect (default 10s)")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 0, "Timeout for protocol negotiation to set up connection (default 10s)")
		httpIdleTimeout    = pflag.Duration("http-idle-timeout", 0, "Timeout for idle HTTP proxy connections (default 90s)")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		sshUser       = pflag.String("ssh-user", "chaincheck", "Username an SSH upstream accepts")
		sshPassword   = pflag.String("ssh-password", "", "Password an SSH upstream accepts. Empty generates one.")
		sshKeyPath    = pflag.String("ssh-key", "", "SSH key source for the hop: 'agent' for SSH agent, path to private key file, or empty to disable")
		sshKnownHosts = pflag.String("ssh-known-hosts", "", "Path to known_hosts file for SSH host key verification, or empty to disable")

		verbose = pflag.Bool("verbose", false, "Enable per-connection and per-hook logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	f := config.Default()
	if *configPath != "" {
		var err error
		f, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}

	var flagErr error
	pflag.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "transport":
			t, err := chain.ParseTransport(*transport)
			if err != nil {
				flagErr = errors.Join(flagErr, fmt.Errorf("invalid --transport: %w", err))
			}
			f.Transport = t
		case "serve":
			f.Serve = *serve
		case "upstream-listen":
			f.Upstream.Listen = *upstreamListen
		case "downstream-listen":
			f.Downstream.Listen = *downstreamListen
		case "debug-listen":
			f.DebugListen = *debugListen
		case "dial-timeout":
			f.Timeouts.Dial = config.Duration(*dialTimeout)
		case "negotiation-timeout":
			f.Timeouts.Negotiation = config.Duration(*negotiationTimeout)
		case "http-idle-timeout":
			f.Timeouts.HTTPIdle = config.Duration(*httpIdleTimeout)
		case "tcp-keepalive":
			f.Timeouts.TCPKeepAlive = *tcpKeepAlive
		case "ssh-user":
			f.SSH.User = *sshUser
		case "ssh-password":
			f.SSH.Password = *sshPassword
		case "ssh-key":
			f.SSH.Key = *sshKeyPath
		case "ssh-known-hosts":
			f.SSH.KnownHosts = expandHome(*sshKnownHosts)
		}
	})
	if flagErr != nil {
		return flagErr
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	pcfg, err := f.ProxyConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, _ := logging.New(*verbose)
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	upMetrics, err := activity.NewMetrics(reg, "Upstream")
	if err != nil {
		return err
	}
	downMetrics, err := activity.NewMetrics(reg, "Downstream")
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.DebugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		debugLn, err := proxy.ListenTCP(ctx, f.DebugListen, pcfg.KeepAlive)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info("debug listening", zap.String("addr", f.DebugListen))
	}

	g.Go(func() error {
		defer stop()
		if f.Serve {
			return serveChain(ctx, f, pcfg, log, upMetrics, downMetrics)
		}
		return check(ctx, f, pcfg, log, upMetrics, downMetrics)
	})

	err = g.Wait()
	log.Info("shutting down")
	return err
}

// check runs the base scenarios through a freshly built chain and reports
// every scenario and invariant failure.
func check(ctx context.Context, f config.File, pcfg proxy.Config, log *zap.Logger, up, down activity.Tracker) error {
	cfg := harness.Config{
		Transport:         f.Transport,
		UpstreamTracker:   up,
		DownstreamTracker: down,
		Proxy:             pcfg,
		Logger:            log,
	}
	if f.Transport == chain.SSH && f.SSH.Password != "" {
		cfg.Upstream = func() (harness.Upstream, error) {
			return sshUpstream(f.SSH)
		}
	}

	reports, err := harness.New(cfg).RunAll(ctx, scenario.Base()...)
	for _, r := range reports {
		log.Info("checked",
			zap.String("scenario", r.Scenario),
			zap.Int64("sent_by_downstream", r.Sent),
			zap.Int64("received_by_upstream", r.Received),
			zap.Any("transports_used", r.Transports),
			zap.Stringer("declared", r.Declared),
			zap.Bool("verified", r.Verified))
	}
	if err != nil {
		return fmt.Errorf("chain check failed (%s): %w", f.Transport, err)
	}
	log.Info("chain check passed", zap.Stringer("transport", f.Transport), zap.Int("scenarios", len(reports)))
	return nil
}

// serveChain starts an upstream and a downstream chained to it on the
// configured addresses and keeps both up until ctx ends.
func serveChain(ctx context.Context, f config.File, pcfg proxy.Config, log *zap.Logger, upTracker, downTracker activity.Tracker) error {
	up, err := harness.DefaultUpstream(f.Transport)
	if f.Transport == chain.SSH && f.SSH.Password != "" {
		up, err = sshUpstream(f.SSH)
	}
	if err != nil {
		return err
	}

	upHost, upPort, err := config.SplitListen(f.Upstream.Listen)
	if err != nil {
		return err
	}
	upstream, err := up.Bootstrap.
		WithName("Upstream").
		WithAddress(upHost).
		WithPort(upPort).
		WithConfig(pcfg).
		WithLogger(log).
		PlusActivityTracker(upTracker).
		Start(ctx)
	if err != nil {
		return err
	}
	defer upstream.Stop()

	resolveHost := upHost
	if ip := net.ParseIP(upHost); upHost == "" || (ip != nil && ip.IsUnspecified()) {
		resolveHost = "127.0.0.1"
	}
	cp, err := up.ChainedProxy(ctx, net.DefaultResolver, resolveHost, upstream.ListenAddress())
	if err != nil {
		return err
	}

	downHost, downPort, err := config.SplitListen(f.Downstream.Listen)
	if err != nil {
		return err
	}
	downstream, err := proxy.NewBootstrap().
		WithName("Downstream").
		WithAddress(downHost).
		WithPort(downPort).
		WithConfig(pcfg).
		WithLogger(log).
		WithChainProxyManager(chain.Fixed(cp)).
		PlusActivityTracker(downTracker).
		Start(ctx)
	if err != nil {
		return err
	}
	defer downstream.Stop()

	log.Info("chain up",
		zap.Stringer("downstream", downstream.ListenAddress()),
		zap.Stringer("chained", cp))

	err = run.Group{
		"upstream":   upstream.Runner(),
		"downstream": downstream.Runner(),
	}.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// sshUpstream is an SSH upstream accepting the configured credentials.
func sshUpstream(cfg config.SSH) (harness.Upstream, error) {
	hostKey, err := ssh.GenerateHostKey()
	if err != nil {
		return harness.Upstream{}, err
	}
	return harness.Upstream{
		Bootstrap: proxy.NewBootstrap().
			WithTransport(chain.SSH).
			WithSSHServer(hostKey, cfg.User, cfg.Password),
		Username: cfg.User,
		Password: cfg.Password,
	}, nil
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
