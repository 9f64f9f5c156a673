package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logger         LoggerConfig         `yaml:"logger"`
	MySQL          MySQLConfig          `yaml:"mysql"`
	Redis          RedisConfig          `yaml:"redis"`
	Queue          QueueConfig          `yaml:"queue"`
	Orchestrator   OrchestratorConfig   `yaml:"orchestrator"`
	Process        ProcessConfig        `yaml:"process"`
	Docker         DockerConfig         `yaml:"docker"`
	Cluster        ClusterConfig        `yaml:"cluster"`
	Session        SessionConfig        `yaml:"session"`
	CredentialPool CredentialPoolConfig `yaml:"credential_pool"`
	Notification   NotificationConfig   `yaml:"notification"`
	Billing        BillingConfig        `yaml:"billing"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Mode        string `yaml:"mode"`         // debug, release
	APIKey      string `yaml:"api_key"`      // operator and REST authentication (optional, if empty, auth is disabled)
	CallbackURL string `yaml:"callback_url"` // base URL workers dial back to, e.g. ws://orchestrator:8080
	// WorkerSecret signs per-session worker tokens. Keep it stable across restarts
	// so recovered workers can reconnect; a random secret is used when empty.
	WorkerSecret string `yaml:"worker_secret"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LogTTL   int    `yaml:"log_ttl"` // durable session log retention (seconds)
}

// QueueConfig side-effect queue configuration
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxRetry    int `yaml:"max_retry"`
	TaskTimeout int `yaml:"task_timeout"` // seconds
}

// OrchestratorConfig backend selection flags. Environment variables override the file.
type OrchestratorConfig struct {
	InsideWorker bool   `yaml:"inside_worker"` // APPFORGE_IN_WORKER
	ForceProcess bool   `yaml:"force_process"` // APPFORGE_FORCE_PROCESS
	ForceCluster bool   `yaml:"force_cluster"` // APPFORGE_FORCE_CLUSTER
	Backend      string `yaml:"backend"`       // APPFORGE_ORCHESTRATOR: process, docker, cluster
}

// ProcessConfig Local-Process backend configuration
type ProcessConfig struct {
	Executable string   `yaml:"executable"` // WORKER_EXECUTABLE
	Args       []string `yaml:"args"`
	WorkDir    string   `yaml:"work_dir"`
	StopGrace  int      `yaml:"stop_grace"` // seconds between SIGTERM and SIGKILL
}

// DockerConfig Local-Container-Runtime backend configuration
type DockerConfig struct {
	Image         string `yaml:"image"` // WORKER_IMAGE
	Network       string `yaml:"network"`
	VolumePrefix  string `yaml:"volume_prefix"`
	WorkspacePath string `yaml:"workspace_path"` // mount target inside the container
	IdleTimeout   int    `yaml:"idle_timeout"`   // seconds before a running container is force-killed
	StopTimeout   int    `yaml:"stop_timeout"`   // seconds
}

// ClusterConfig Remote-Cluster-Task backend configuration
type ClusterConfig struct {
	Scheduler    string           `yaml:"scheduler"`     // ecs (default), kubernetes
	PollInterval int              `yaml:"poll_interval"` // seconds
	ECS          ECSConfig        `yaml:"ecs"`
	Kubernetes   KubernetesConfig `yaml:"kubernetes"`
}

// ECSConfig ECS/Fargate scheduler configuration
type ECSConfig struct {
	Region          string   `yaml:"region"`
	Cluster         string   `yaml:"cluster"`
	TaskDefinition  string   `yaml:"task_definition"`
	ContainerName   string   `yaml:"container_name"`
	Subnets         []string `yaml:"subnets"`
	SecurityGroup   string   `yaml:"security_group"`
	AssignPublicIP  bool     `yaml:"assign_public_ip"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
}

// KubernetesConfig Kubernetes pod scheduler configuration
type KubernetesConfig struct {
	Namespace   string `yaml:"namespace"`
	Kubeconfig  string `yaml:"kubeconfig"`   // empty means in-cluster
	PodTemplate string `yaml:"pod_template"` // optional YAML pod template path
	Image       string `yaml:"image"`        // falls back to docker.image
	ServiceAcct string `yaml:"service_account"`
	CPU         string `yaml:"cpu"`
	Memory      string `yaml:"memory"`
}

// SessionConfig session timings (seconds)
type SessionConfig struct {
	SpawnTimeout         int  `yaml:"spawn_timeout"`
	SpawnRetries         int  `yaml:"spawn_retries"`
	SpawnBackoff         int  `yaml:"spawn_backoff"`
	TerminateTimeout     int  `yaml:"terminate_timeout"`
	TerminateRetries     int  `yaml:"terminate_retries"`
	DecisionTimeout      int  `yaml:"decision_timeout"`
	ReconnectGrace       int  `yaml:"reconnect_grace"`
	IdleGrace            int  `yaml:"idle_grace"`
	SweepInterval        int  `yaml:"sweep_interval"`
	OutboundQueue        int  `yaml:"outbound_queue"`
	AutoStart            bool `yaml:"auto_start"`
	ReconcileInterval    int  `yaml:"reconcile_interval"`
	EventRetentionDays   int  `yaml:"event_retention_days"`
	DefaultMaxIterations int  `yaml:"default_max_iterations"`
}

// CredentialPoolConfig credential pool configuration
type CredentialPoolConfig struct {
	ExhaustionPolicy string `yaml:"exhaustion_policy"` // reject (default), wait
	RetryInterval    int    `yaml:"retry_interval"`    // seconds
	WaitTimeout      int    `yaml:"wait_timeout"`      // seconds
	ProvisionURL     string `yaml:"provision_url"`     // optional
	ProvisionToken   string `yaml:"provision_token"`
}

// NotificationConfig mail collaborator configuration
type NotificationConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Timeout int    `yaml:"timeout"` // seconds
}

// BillingConfig credit deduction collaborator configuration
type BillingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	CreditsPerRun int    `yaml:"credits_per_run"`
	Timeout       int    `yaml:"timeout"` // seconds
}

// MetricsConfig tally scope configuration
type MetricsConfig struct {
	Prefix         string `yaml:"prefix"`
	ReportInterval int    `yaml:"report_interval"` // seconds
}

// Init initializes configuration
func Init() error {
	return InitFrom("")
}

// InitFrom loads the configuration from path, falling back to CONFIG_PATH and
// then config/config.yaml, applies the environment overlay and defaults.
func InitFrom(path string) error {
	configPath := path
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	applyEnv(cfg, os.Getenv)

	GlobalConfig = cfg
	return nil
}

// Parse decodes YAML and applies defaults. No environment is consulted.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	validateAndApplyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv overlays backend selection flags and worker references from the environment.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v, ok := envBool(getenv("APPFORGE_IN_WORKER")); ok {
		cfg.Orchestrator.InsideWorker = v
	}
	if v, ok := envBool(getenv("APPFORGE_FORCE_PROCESS")); ok {
		cfg.Orchestrator.ForceProcess = v
	}
	if v, ok := envBool(getenv("APPFORGE_FORCE_CLUSTER")); ok {
		cfg.Orchestrator.ForceCluster = v
	}
	if v := strings.TrimSpace(getenv("APPFORGE_ORCHESTRATOR")); v != "" {
		cfg.Orchestrator.Backend = strings.ToLower(v)
	}
	if v := getenv("WORKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := getenv("WORKER_EXECUTABLE"); v != "" {
		cfg.Process.Executable = v
	}
}

func envBool(v string) (bool, bool) {
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}

// validateAndApplyDefaults replaces zero or negative values with defaults.
func validateAndApplyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
	if cfg.Redis.LogTTL <= 0 {
		cfg.Redis.LogTTL = 7 * 24 * 3600
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 10
	}
	if cfg.Queue.MaxRetry <= 0 {
		cfg.Queue.MaxRetry = 5
	}
	if cfg.Queue.TaskTimeout <= 0 {
		cfg.Queue.TaskTimeout = 30
	}
	if cfg.Process.StopGrace <= 0 {
		cfg.Process.StopGrace = 5
	}
	if cfg.Docker.VolumePrefix == "" {
		cfg.Docker.VolumePrefix = "appforge-workspace"
	}
	if cfg.Docker.WorkspacePath == "" {
		cfg.Docker.WorkspacePath = "/workspace"
	}
	if cfg.Docker.IdleTimeout <= 0 {
		cfg.Docker.IdleTimeout = 3600
	}
	if cfg.Docker.StopTimeout <= 0 {
		cfg.Docker.StopTimeout = 5
	}
	if cfg.Cluster.Scheduler == "" {
		cfg.Cluster.Scheduler = "ecs"
	}
	if cfg.Cluster.PollInterval <= 0 {
		cfg.Cluster.PollInterval = 3
	}
	if cfg.Cluster.ECS.ContainerName == "" {
		cfg.Cluster.ECS.ContainerName = "worker"
	}
	if cfg.Cluster.Kubernetes.Namespace == "" {
		cfg.Cluster.Kubernetes.Namespace = "default"
	}

	s := &cfg.Session
	if s.SpawnTimeout <= 0 {
		s.SpawnTimeout = 60
	}
	if s.SpawnRetries < 0 {
		s.SpawnRetries = 0
	} else if s.SpawnRetries == 0 {
		s.SpawnRetries = 2
	}
	if s.SpawnBackoff <= 0 {
		s.SpawnBackoff = 2
	}
	if s.TerminateTimeout <= 0 {
		s.TerminateTimeout = 5
	}
	if s.TerminateRetries <= 0 {
		s.TerminateRetries = 2
	}
	if s.DecisionTimeout <= 0 {
		s.DecisionTimeout = 300
	}
	if s.ReconnectGrace <= 0 {
		s.ReconnectGrace = 30
	}
	if s.IdleGrace <= 0 {
		s.IdleGrace = 300
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = 1
	}
	if s.OutboundQueue <= 0 {
		s.OutboundQueue = 256
	}
	if s.ReconcileInterval <= 0 {
		s.ReconcileInterval = 60
	}
	if s.EventRetentionDays <= 0 {
		s.EventRetentionDays = 30
	}
	if s.DefaultMaxIterations <= 0 {
		s.DefaultMaxIterations = 10
	}

	p := &cfg.CredentialPool
	p.ExhaustionPolicy = strings.ToLower(strings.TrimSpace(p.ExhaustionPolicy))
	if p.ExhaustionPolicy != "wait" {
		p.ExhaustionPolicy = "reject"
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = 5
	}
	if p.WaitTimeout <= 0 {
		p.WaitTimeout = 120
	}

	if cfg.Notification.Timeout <= 0 {
		cfg.Notification.Timeout = 10
	}
	if cfg.Billing.Timeout <= 0 {
		cfg.Billing.Timeout = 10
	}
	if cfg.Billing.CreditsPerRun <= 0 {
		cfg.Billing.CreditsPerRun = 1
	}
	if cfg.Metrics.Prefix == "" {
		cfg.Metrics.Prefix = "appforge"
	}
	if cfg.Metrics.ReportInterval <= 0 {
		cfg.Metrics.ReportInterval = 10
	}
}

// Seconds converts a seconds setting into a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
