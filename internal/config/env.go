package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"8000"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:"."`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"phasegate/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type AgentEnv struct {
	Command      string        `envconfig:"AGENT_COMMAND" default:"claude --dangerously-skip-permissions"`
	PhaseTimeout time.Duration `envconfig:"PHASE_TIMEOUT" default:"30m"`
	WorkDir      string        `envconfig:"AGENT_WORK_DIR" default:""`
}

type SupervisorEnv struct {
	HealthInterval time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	GracePeriod    time.Duration `envconfig:"GRACE_PERIOD" default:"10s"`
}

type PushEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `envconfig:"VAPID_SUBJECT" default:"mailto:admin@example.com"`
}

type Env struct {
	BaseEnv
	StorageEnv
	AgentEnv
	SupervisorEnv
	PushEnv
}

const namespace = "PHASEGATE"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func AgentEnvFromEnv(env *Env) *AgentEnv {
	return &env.AgentEnv
}

func SupervisorEnvFromEnv(env *Env) *SupervisorEnv {
	return &env.SupervisorEnv
}

func PushEnvFromEnv(env *Env) *PushEnv {
	return &env.PushEnv
}
