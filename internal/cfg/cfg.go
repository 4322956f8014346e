// Package cfg binds the server configuration to a flag set, fills unset
// flags from MAPLECATCH_* environment variables and validates the result.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/maplecatch/maplecatch-web/internal/log"
	"github.com/maplecatch/maplecatch-web/internal/quota"
)

// EnvPrefix maps flag "rate-window" to MAPLECATCH_RATE_WINDOW.
const EnvPrefix = "MAPLECATCH_"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool
	DrainDelay  time.Duration

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	RateWindow          time.Duration
	RateMaxRequests     int
	SuspiciousThreshold int
	BlockThreshold      int
	PersistSuspicion    bool
	SweepInterval       time.Duration
	SweepGrace          time.Duration

	QuotaStore     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	RedisTimeout   time.Duration

	PolicyFile          string
	EnablePolicyUpdates bool
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Prefix      string
	PolicySigningKeyARN string
	PolicyPollInterval  time.Duration
}

// Register binds every field to fs with its default.
func Register(fs *flag.FlagSet, c *App) {
	def := quota.DefaultLimits()

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "include error chain positions in error logs")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the ops port")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 20*time.Second, "how long readiness reports draining before the listeners close")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export traces to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (x-scope-orgid)")

	fs.DurationVar(&c.RateWindow, "rate-window", def.Window, "quota window length")
	fs.IntVar(&c.RateMaxRequests, "rate-max-requests", def.MaxRequests, "requests allowed per client per window")
	fs.IntVar(&c.SuspiciousThreshold, "suspicious-threshold", def.SuspiciousThreshold, "suspicious requests before a client is flagged in logs")
	fs.IntVar(&c.BlockThreshold, "block-threshold", def.BlockThreshold, "suspicious requests before a client is blocked")
	fs.BoolVar(&c.PersistSuspicion, "persist-suspicion", def.PersistSuspicion, "carry suspicious counts across windows until the record is evicted")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 5*time.Minute, "idle record sweep interval")
	fs.DurationVar(&c.SweepGrace, "sweep-grace", 5*time.Minute, "how long a record outlives its window before eviction")

	fs.StringVar(&c.QuotaStore, "quota-store", StoreMemory, "memory|redis")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port, required for quota-store=redis")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisKeyPrefix, "redis-key-prefix", "maplecatch:quota", "redis key namespace")
	fs.DurationVar(&c.RedisTimeout, "redis-timeout", 50*time.Millisecond, "per-request redis budget before the gate fails open")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "local suspicion policy YAML, overrides the built-in policy")
	fs.BoolVar(&c.EnablePolicyUpdates, "enable-policy-updates", false, "poll SSM/S3 for signed suspicion policies")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "/app/maplecatch-web/suspicion-policy/current", "ssm parameter holding the active policy sha256")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "s3 bucket holding policy documents")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "maplecatch-web/suspicion-policies", "s3 key prefix for policy documents")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN policies are signed with")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", 60*time.Second, "policy pointer poll interval")
}

// FillFromEnv sets any flag not passed on the command line from the
// environment. Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// EnvKey returns the environment variable consulted for a flag.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Limits converts the rate settings to quota.Limits.
func (c App) Limits() quota.Limits {
	return quota.Limits{
		Window:              c.RateWindow,
		MaxRequests:         c.RateMaxRequests,
		SuspiciousThreshold: c.SuspiciousThreshold,
		BlockThreshold:      c.BlockThreshold,
		PersistSuspicion:    c.PersistSuspicion,
	}
}

// Validate reports every invalid field at once.
func Validate(c App) error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		bad("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		bad("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		bad("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}

	if c.DrainDelay < 0 {
		bad("DRAIN_DELAY must not be negative (got %s)", c.DrainDelay)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		bad("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			bad("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		bad("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		bad("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			bad("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			bad("OTLP_ENDPOINT must be host:port (got %q): %w", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			bad("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			bad("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			bad("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	if c.RateWindow < time.Second {
		bad("RATE_WINDOW must be at least 1s (got %s)", c.RateWindow)
	}
	if c.RateMaxRequests < 1 {
		bad("RATE_MAX_REQUESTS must be at least 1 (got %d)", c.RateMaxRequests)
	}
	if c.BlockThreshold < 1 {
		bad("BLOCK_THRESHOLD must be at least 1 (got %d)", c.BlockThreshold)
	}
	if c.SuspiciousThreshold < 0 || c.SuspiciousThreshold > c.BlockThreshold {
		bad("SUSPICIOUS_THRESHOLD must be 0..BLOCK_THRESHOLD (got %d, block %d)", c.SuspiciousThreshold, c.BlockThreshold)
	}
	if c.SweepInterval < time.Second {
		bad("SWEEP_INTERVAL must be at least 1s (got %s)", c.SweepInterval)
	}
	if c.SweepGrace < 0 {
		bad("SWEEP_GRACE must not be negative (got %s)", c.SweepGrace)
	}

	switch c.QuotaStore {
	case StoreMemory:
	case StoreRedis:
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			bad("REDIS_ADDR must be host:port when QUOTA_STORE=redis (got %q)", c.RedisAddr)
		}
		if c.RedisDB < 0 {
			bad("REDIS_DB must not be negative (got %d)", c.RedisDB)
		}
		if c.RedisTimeout <= 0 {
			bad("REDIS_TIMEOUT must be positive (got %s)", c.RedisTimeout)
		}
	default:
		bad("QUOTA_STORE must be %s or %s (got %q)", StoreMemory, StoreRedis, c.QuotaStore)
	}

	if c.EnablePolicyUpdates {
		if c.PolicySSMParam == "" {
			bad("POLICY_SSM_PARAM is required when ENABLE_POLICY_UPDATES=true")
		}
		if c.PolicyS3Bucket == "" {
			bad("POLICY_S3_BUCKET is required when ENABLE_POLICY_UPDATES=true")
		}
		if c.PolicyPollInterval < time.Second {
			bad("POLICY_POLL_INTERVAL must be at least 1s (got %s)", c.PolicyPollInterval)
		}
	}

	return errors.Join(errs...)
}
