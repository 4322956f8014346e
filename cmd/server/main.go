package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/maplecatch/maplecatch-web/internal/cfg"
	"github.com/maplecatch/maplecatch-web/internal/gate"
	"github.com/maplecatch/maplecatch-web/internal/health"
	"github.com/maplecatch/maplecatch-web/internal/httpserver"
	"github.com/maplecatch/maplecatch-web/internal/log"
	"github.com/maplecatch/maplecatch-web/internal/metrics"
	"github.com/maplecatch/maplecatch-web/internal/opshttp"
	"github.com/maplecatch/maplecatch-web/internal/otelx"
	"github.com/maplecatch/maplecatch-web/internal/policysync"
	"github.com/maplecatch/maplecatch-web/internal/prof"
	"github.com/maplecatch/maplecatch-web/internal/quota"
	"github.com/maplecatch/maplecatch-web/internal/sitehandler"
	"github.com/maplecatch/maplecatch-web/internal/suspicion"
	v "github.com/maplecatch/maplecatch-web/internal/version"
	"github.com/maplecatch/maplecatch-web/internal/webassets"
)

const appName = "maplecatch-web"

func main() {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.ShortCommit(),
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"quota_store", conf.QuotaStore,
		"rate_window", conf.RateWindow.String(),
		"rate_max_requests", conf.RateMaxRequests,
		"suspicious_threshold", conf.SuspiciousThreshold,
		"block_threshold", conf.BlockThreshold,
		"persist_suspicion", conf.PersistSuspicion,
		"enable_policy_updates", conf.EnablePolicyUpdates,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.ShortCommit(),
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	m := metrics.New()
	m.SetBuildInfo(appName, "server", vi)
	m.SetProfilingActive(profErr == nil && conf.EnablePyroscope)

	store, storeReady, closeStore := newQuotaStore(ctx, L, conf, m)
	defer closeStore()

	limiter := quota.NewLimiter(store, quota.WithLimits(conf.Limits()))

	matcher, err := initialMatcher(conf.PolicyFile)
	if err != nil {
		L.Error(ctx, err, "failed to load suspicion policy", "policy_file", conf.PolicyFile)
		os.Exit(1)
	}
	holder := suspicion.NewHolder(matcher)
	L.Info(ctx, "suspicion policy loaded", "policy_version", matcher.Version())

	g := gate.New(limiter, holder,
		gate.WithLogger(L.With("component", "gate")),
		gate.WithMetrics(m),
	)

	// workers outlive the signal so sweeps and policy polls continue while
	// the listeners drain
	var workers errgroup.Group
	wctx, cancelWorkers := context.WithCancel(log.WithContext(context.Background(), L))
	defer cancelWorkers()

	sweeper := quota.NewSweeper(store,
		quota.WithSweepInterval(conf.SweepInterval),
		quota.WithSweepGrace(conf.SweepGrace),
		quota.WithSweepLogger(L.With("component", "sweeper")),
		quota.WithOnSweep(m.ObserveSweep),
	)
	workers.Go(func() error { return sweeper.Run(wctx) })

	if conf.EnablePolicyUpdates {
		watcher, err := newPolicyWatcher(ctx, L, conf, holder, m)
		if err != nil {
			L.Error(ctx, err, "policy updates disabled")
		} else {
			if err := watcher.Sync(ctx); err != nil {
				L.Error(ctx, err, "initial policy sync failed, keeping local policy")
			}
			workers.Go(func() error { return watcher.Run(wctx) })
		}
	}

	site, ok := webassets.SiteFS()
	if !ok {
		L.Warn(ctx, "embedded site missing, serving maintenance page")
	}
	siteHandler, err := sitehandler.New(sitehandler.Options{
		Logger:     L,
		Site:       site,
		FallbackFS: webassets.FallbackFS(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site handler")
		os.Exit(1)
	}

	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe(), storeReady)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:    L,
		Port:      conf.HTTPPort,
		Gate:      g.Middleware,
		MetricsMW: m.Middleware,
		OnPanic:   m.IncHTTPPanic,
		Site:      siteHandler,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// the ops listener is for internal monitoring only and refuses public peers
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHTTPPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd not notified", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(bg, "readiness draining", "drain_delay", conf.DrainDelay.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "site http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}

	cancelWorkers()
	if err := workers.Wait(); err != nil {
		L.Error(bg, err, "background worker failed")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// newQuotaStore returns the configured store, a readiness probe for it and a
// close func. The redis store sits behind a circuit breaker so a dead redis
// costs one timeout per breaker interval instead of one per request.
func newQuotaStore(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (quota.Store, health.Probe, func()) {
	if conf.QuotaStore != cfg.StoreRedis {
		mem := quota.NewMemoryStore()
		m.TrackQuotaRecords(mem.Len)
		return mem, health.Fixed(true, ""), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         conf.RedisAddr,
		Password:     conf.RedisPassword,
		DB:           conf.RedisDB,
		DialTimeout:  time.Second,
		ReadTimeout:  conf.RedisTimeout,
		WriteTimeout: conf.RedisTimeout,
	})
	rs := quota.NewRedisStore(rdb,
		quota.WithRedisPrefix(conf.RedisKeyPrefix),
		quota.WithRedisGrace(conf.SweepGrace),
		quota.WithRedisTimeout(conf.RedisTimeout),
	)

	bc := quota.DefaultBreakerConfig()
	bc.OnStateChange = func(name string, from, to gobreaker.State) {
		m.SetBreakerState(to.String())
		L.Warn(ctx, "quota store circuit changed", "breaker", name, "from", from.String(), "to", to.String())
	}
	m.SetBreakerState(gobreaker.StateClosed.String())

	if err := rs.Ping(ctx); err != nil {
		// the gate fails open until redis answers
		L.Error(ctx, err, "redis unreachable at startup", "redis_addr", conf.RedisAddr)
	}

	probe := health.Named("redis", health.Timeout(time.Second, health.CheckFunc(rs.Ping)))
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			L.Error(context.Background(), err, "redis close")
		}
	}
	return quota.NewBreakerStore(rs, bc), probe, closeFn
}

func initialMatcher(policyFile string) (*suspicion.Matcher, error) {
	if policyFile == "" {
		return suspicion.MustDefault(), nil
	}
	p, err := suspicion.LoadFile(policyFile)
	if err != nil {
		return nil, err
	}
	return suspicion.Compile(p)
}

func newPolicyWatcher(ctx context.Context, L log.Logger, conf cfg.App, holder *suspicion.Holder, m *metrics.ServerMetrics) (*policysync.Watcher, error) {
	PL := L.With("component", "policysync")
	loader, err := policysync.NewAWSLoader(ctx, policysync.LoaderOptions{
		Logger:   PL,
		SSMParam: conf.PolicySSMParam,
		S3Bucket: conf.PolicyS3Bucket,
		S3Prefix: conf.PolicyS3Prefix,
	}, conf.PolicySigningKeyARN)
	if err != nil {
		return nil, err
	}
	return policysync.NewWatcher(policysync.WatcherOptions{
		Logger:       PL,
		Fetcher:      loader,
		Holder:       holder,
		PollInterval: conf.PolicyPollInterval,
		Metrics:      m,
		OnSwap: func(s policysync.Snapshot) {
			PL.Info(ctx, "suspicion policy active",
				"policy_version", s.Version,
				"policy_sha256", s.SHA256,
				"signed", s.Signed,
			)
		},
	})
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: %w", err)
	}
	return nil
}
