package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"checkq/internal/proxy"
)

var defaultConfigFilenames = []string{
	"checkq.yaml",
	"checkq.yml",
	"checkq.toml",
	".checkq.yaml",
	".checkq.yml",
	".checkq.toml",
}

type FileConfig struct {
	Redis       RedisFileConfig       `yaml:"redis" toml:"redis"`
	Worker      WorkerFileConfig      `yaml:"worker" toml:"worker"`
	Coordinator CoordinatorFileConfig `yaml:"coordinator" toml:"coordinator"`
	Progress    ProgressFileConfig    `yaml:"progress" toml:"progress"`
	Proxies     []proxy.Endpoint      `yaml:"proxies" toml:"proxies"`
	Ops         OpsFileConfig         `yaml:"ops" toml:"ops"`
	Pow         PowFileConfig         `yaml:"pow" toml:"pow"`
}

type RedisFileConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       *int   `yaml:"db" toml:"db"`
}

type WorkerFileConfig struct {
	WorkerID        string `yaml:"worker_id" toml:"worker_id"`
	Concurrency     *int   `yaml:"concurrency" toml:"concurrency"`
	DequeueTimeout  string `yaml:"dequeue_timeout" toml:"dequeue_timeout"`
	LeaseTTL        string `yaml:"lease_ttl" toml:"lease_ttl"`
	Heartbeat       string `yaml:"heartbeat" toml:"heartbeat"`
	ReaperInterval  string `yaml:"reaper_interval" toml:"reaper_interval"`
	MaxQueueDepth   *int64 `yaml:"max_queue_depth" toml:"max_queue_depth"`
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type CoordinatorFileConfig struct {
	CoordinatorID       string   `yaml:"coordinator_id" toml:"coordinator_id"`
	HeartbeatInterval   string   `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	StalenessMultiplier *float64 `yaml:"staleness_multiplier" toml:"staleness_multiplier"`
	StandbyPollInterval string   `yaml:"standby_poll_interval" toml:"standby_poll_interval"`
	MaintenanceCron     string   `yaml:"maintenance_cron" toml:"maintenance_cron"`
}

type ProgressFileConfig struct {
	MinReportInterval string `yaml:"min_report_interval" toml:"min_report_interval"`
	BatchTTL          string `yaml:"batch_ttl" toml:"batch_ttl"`
}

type OpsFileConfig struct {
	Addr       string   `yaml:"addr" toml:"addr"`
	AuthToken  string   `yaml:"auth_token" toml:"auth_token"`
	AllowCIDRs []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
}

type PowFileConfig struct {
	URL     string `yaml:"url" toml:"url"`
	Timeout string `yaml:"timeout" toml:"timeout"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("CHECKQ_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.Redis.Addr != "" {
		cfg.RedisAddr = fileCfg.Redis.Addr
	}
	if fileCfg.Redis.Password != "" {
		cfg.RedisPassword = fileCfg.Redis.Password
	}
	if fileCfg.Redis.DB != nil {
		cfg.RedisDB = *fileCfg.Redis.DB
	}

	if fileCfg.Worker.WorkerID != "" {
		cfg.WorkerID = fileCfg.Worker.WorkerID
	}
	if fileCfg.Worker.Concurrency != nil {
		cfg.MaxConcurrency = *fileCfg.Worker.Concurrency
	}
	if err := applyDuration(&cfg.DequeueTimeout, "worker.dequeue_timeout", fileCfg.Worker.DequeueTimeout); err != nil {
		return err
	}
	if err := applyDuration(&cfg.LeaseTTL, "worker.lease_ttl", fileCfg.Worker.LeaseTTL); err != nil {
		return err
	}
	if err := applyDuration(&cfg.WorkerHeartbeat, "worker.heartbeat", fileCfg.Worker.Heartbeat); err != nil {
		return err
	}
	if err := applyDuration(&cfg.ReaperInterval, "worker.reaper_interval", fileCfg.Worker.ReaperInterval); err != nil {
		return err
	}
	if fileCfg.Worker.MaxQueueDepth != nil {
		cfg.MaxQueueDepth = *fileCfg.Worker.MaxQueueDepth
	}
	if err := applyDuration(&cfg.ShutdownTimeout, "worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout); err != nil {
		return err
	}

	if fileCfg.Coordinator.CoordinatorID != "" {
		cfg.CoordinatorID = fileCfg.Coordinator.CoordinatorID
	}
	if err := applyDuration(&cfg.CoordHeartbeatInterval, "coordinator.heartbeat_interval", fileCfg.Coordinator.HeartbeatInterval); err != nil {
		return err
	}
	if fileCfg.Coordinator.StalenessMultiplier != nil {
		cfg.StalenessMultiplier = *fileCfg.Coordinator.StalenessMultiplier
	}
	if err := applyDuration(&cfg.StandbyPollInterval, "coordinator.standby_poll_interval", fileCfg.Coordinator.StandbyPollInterval); err != nil {
		return err
	}
	if fileCfg.Coordinator.MaintenanceCron != "" {
		cfg.MaintenanceSpec = fileCfg.Coordinator.MaintenanceCron
	}

	if err := applyDuration(&cfg.MinReportInterval, "progress.min_report_interval", fileCfg.Progress.MinReportInterval); err != nil {
		return err
	}
	if err := applyDuration(&cfg.BatchTTL, "progress.batch_ttl", fileCfg.Progress.BatchTTL); err != nil {
		return err
	}

	if len(fileCfg.Proxies) > 0 {
		cfg.Proxies = append([]proxy.Endpoint{}, fileCfg.Proxies...)
	}

	if fileCfg.Ops.Addr != "" {
		cfg.OpsAddr = fileCfg.Ops.Addr
	}
	if fileCfg.Ops.AuthToken != "" {
		cfg.OpsToken = fileCfg.Ops.AuthToken
	}
	if len(fileCfg.Ops.AllowCIDRs) > 0 {
		cfg.AllowCIDR = append([]string{}, fileCfg.Ops.AllowCIDRs...)
	}

	if fileCfg.Pow.URL != "" {
		cfg.PowURL = fileCfg.Pow.URL
	}
	if err := applyDuration(&cfg.PowTimeout, "pow.timeout", fileCfg.Pow.Timeout); err != nil {
		return err
	}

	return nil
}

func applyDuration(dst *time.Duration, field, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*dst = parsed
	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
