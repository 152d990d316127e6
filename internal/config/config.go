package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"checkq/internal/proxy"
)

// Config carries every tunable for worker and coordinator processes.
// Timing knobs are deliberately independent fields: lease TTLs and leader
// staleness answer different failure questions and must not share a value.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WorkerID      string
	CoordinatorID string

	// Worker
	MaxConcurrency  int
	DequeueTimeout  time.Duration
	LeaseTTL        time.Duration
	WorkerHeartbeat time.Duration
	ReaperInterval  time.Duration
	MaxQueueDepth   int64
	ShutdownTimeout time.Duration

	// Coordinator
	CoordHeartbeatInterval time.Duration
	StalenessMultiplier    float64
	StandbyPollInterval    time.Duration
	MaintenanceSpec        string // cron expression for pending-forward sweeps

	// Progress
	MinReportInterval time.Duration
	BatchTTL          time.Duration

	// Proxies
	Proxies               []proxy.Endpoint
	ProxyFailureThreshold int
	ProxyHealthTTL        time.Duration

	// Dedup / forwarding
	DedupTTL          time.Duration
	PendingForwardTTL time.Duration

	// Collaborators
	PowURL         string
	PowTimeout     time.Duration
	ForwardURL     string
	ForwardTimeout time.Duration

	// Ops surface
	OpsAddr   string
	OpsToken  string
	AllowCIDR []string

	Version string
}

// StalenessThreshold is the heartbeat age past which a standby assumes
// leadership.
func (c *Config) StalenessThreshold() time.Duration {
	mult := c.StalenessMultiplier
	if mult < 3 {
		mult = 3 // conservative floor, never below 3x the interval
	}
	return time.Duration(float64(c.CoordHeartbeatInterval) * mult)
}

// Load builds a Config from the environment. A .env file is folded in
// best-effort first; a YAML/TOML file found via --config/CHECKQ_CONFIG
// overlays afterwards.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RedisAddr:              envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                envInt("REDIS_DB", 0),
		WorkerID:               os.Getenv("WORKER_ID"),
		CoordinatorID:          os.Getenv("COORDINATOR_ID"),
		MaxConcurrency:         envInt("MAX_CONCURRENCY", 4),
		DequeueTimeout:         envDuration("DEQUEUE_TIMEOUT", 5*time.Second),
		LeaseTTL:               envDuration("LEASE_TTL", 2*time.Minute),
		WorkerHeartbeat:        envDuration("WORKER_HEARTBEAT", 10*time.Second),
		ReaperInterval:         envDuration("REAPER_INTERVAL", 15*time.Second),
		MaxQueueDepth:          int64(envInt("MAX_QUEUE_DEPTH", 0)),
		ShutdownTimeout:        envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		CoordHeartbeatInterval: envDuration("COORD_HEARTBEAT_INTERVAL", 5*time.Second),
		StalenessMultiplier:    envFloat("STALENESS_MULTIPLIER", 6),
		StandbyPollInterval:    envDuration("STANDBY_POLL_INTERVAL", 2*time.Second),
		MaintenanceSpec:        envOr("MAINTENANCE_CRON", "* * * * *"),
		MinReportInterval:      envDuration("MIN_REPORT_INTERVAL", 3*time.Second),
		BatchTTL:               envDuration("BATCH_TTL", 7*24*time.Hour),
		ProxyFailureThreshold:  envInt("PROXY_FAILURE_THRESHOLD", 3),
		ProxyHealthTTL:         envDuration("PROXY_HEALTH_TTL", 5*time.Minute),
		DedupTTL:               envDuration("DEDUP_TTL", 30*24*time.Hour),
		PendingForwardTTL:      envDuration("PENDING_FORWARD_TTL", 2*time.Minute),
		PowURL:                 os.Getenv("POW_URL"),
		PowTimeout:             envDuration("POW_TIMEOUT", 2*time.Second),
		ForwardURL:             os.Getenv("FORWARD_URL"),
		ForwardTimeout:         envDuration("FORWARD_TIMEOUT", 5*time.Second),
		OpsAddr:                envOr("OPS_ADDR", ":8080"),
		OpsToken:               os.Getenv("OPS_TOKEN"),
	}

	if cidrs := os.Getenv("OPS_ALLOW_CIDRS"); cidrs != "" {
		cfg.AllowCIDR = splitAndTrim(cidrs)
	}

	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("worker-%s-%d", hostname, time.Now().Unix())
	}
	if cfg.CoordinatorID == "" {
		hostname, _ := os.Hostname()
		cfg.CoordinatorID = fmt.Sprintf("coord-%s-%d", hostname, time.Now().Unix())
	}

	if proxies := os.Getenv("PROXIES"); proxies != "" {
		parsed, err := ParseProxyList(proxies)
		if err != nil {
			return nil, err
		}
		cfg.Proxies = parsed
	}

	path, err := ResolveConfigPath(os.Args[1:])
	if err != nil {
		return nil, err
	}
	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseProxyList parses "id=url,id=url" from the environment.
func ParseProxyList(raw string) ([]proxy.Endpoint, error) {
	var out []proxy.Endpoint
	for _, part := range splitAndTrim(raw) {
		id, url, ok := strings.Cut(part, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid proxy entry %q, want id=url", part)
		}
		out = append(out, proxy.Endpoint{ID: id, URL: url})
	}
	return out, nil
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
