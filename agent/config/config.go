package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	GrpcListenAddr string `env:"GRPC_LISTEN_ADDR, default=0.0.0.0:5000"`
	HttpListenAddr string `env:"HTTP_LISTEN_ADDR, default=0.0.0.0:8080"`
	// host advertised to the scheduler; the scheduler dials host:port of
	// the grpc listener
	Hostname  string `env:"HOSTNAME, required"`
	Dev       bool   `env:"DEV, default=false"`
	LogLevel  string `env:"LOG_LEVEL, default=debug"`
	LogFormat string `env:"LOG_FORMAT, default=text"`
}

type Scheduler struct {
	Addr           string        `env:"ADDR, default=127.0.0.1:5001"`
	HealthInterval time.Duration `env:"HEALTH_INTERVAL, default=5s"`
	RetryDelay     time.Duration `env:"RETRY_DELAY, default=1s"`
	MaxRetryDelay  time.Duration `env:"MAX_RETRY_DELAY, default=1m"`
	// registration attempts at startup, 0 retries forever
	RegisterAttempts uint `env:"REGISTER_ATTEMPTS, default=5"`
	// run without a scheduler, useful when developing locally
	Disabled bool `env:"DISABLED, default=false"`
}

type Runtime struct {
	Backend          string `env:"BACKEND, default=docker"`
	ContainerdSocket string `env:"CONTAINERD_SOCKET, default=/run/containerd/containerd.sock"`
	Namespace        string `env:"NAMESPACE, default=default"`
}

type Queue struct {
	Size    int `env:"SIZE, default=100"`
	Workers int `env:"WORKERS, default=32"`
}

type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB, default=0"`
	Channel  string `env:"CHANNEL, default=agent:actions:state"`
}

type Telemetry struct {
	Enabled     bool   `env:"ENABLED, default=false"`
	ServiceName string `env:"SERVICE_NAME, default=agent"`
}

type Config struct {
	Server    Server    `env:",prefix=AGENT_SERVER_"`
	Scheduler Scheduler `env:",prefix=AGENT_SCHEDULER_"`
	Runtime   Runtime   `env:",prefix=AGENT_RUNTIME_"`
	Queue     Queue     `env:",prefix=AGENT_QUEUE_"`
	Redis     Redis     `env:",prefix=AGENT_REDIS_"`
	Telemetry Telemetry `env:",prefix=AGENT_TELEMETRY_"`
}

const (
	BackendDocker     = "docker"
	BackendContainerd = "containerd"
)

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.Runtime.validate(); err != nil {
		return nil, err
	}

	if cfg.Queue.Workers <= 0 {
		return nil, fmt.Errorf("queue workers must be positive, got %d", cfg.Queue.Workers)
	}

	return &cfg, nil
}

// LoadRuntime reads only the runtime section, for commands that run
// actions without serving.
func LoadRuntime(ctx context.Context) (*Runtime, error) {
	return loadRuntime(ctx, envconfig.OsLookuper())
}

func loadRuntime(ctx context.Context, l envconfig.Lookuper) (*Runtime, error) {
	var cfg struct {
		Runtime Runtime `env:",prefix=AGENT_RUNTIME_"`
	}
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Runtime.validate(); err != nil {
		return nil, err
	}
	return &cfg.Runtime, nil
}

func (r Runtime) validate() error {
	switch r.Backend {
	case BackendDocker, BackendContainerd:
		return nil
	default:
		return fmt.Errorf("unknown runtime backend %q", r.Backend)
	}
}
