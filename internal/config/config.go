// Package config loads service settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/example/faceverify/internal/face"
)

// Config is the complete service configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	GRPC     GRPC     `yaml:"grpc"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Cache    Cache    `yaml:"cache"`
	Auth     Auth     `yaml:"auth"`
	Model    Model    `yaml:"model"`
	Match    Match    `yaml:"match"`
	Pipeline Pipeline `yaml:"pipeline"`
	Log      Log      `yaml:"log"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPC struct {
	// HealthAddr is the gRPC health listener; empty disables it.
	HealthAddr string `yaml:"health_addr"`
}

type Database struct {
	DSN             string        `yaml:"dsn"`
	MaxIdleConns    int           `yaml:"max_idle"`
	MaxOpenConns    int           `yaml:"max_open"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogLevel        string        `yaml:"log_level"`
}

type Redis struct {
	// Addr of a shared redis; empty selects the in-process cache.
	Addr string `yaml:"addr"`
}

type Cache struct {
	TTL time.Duration `yaml:"ttl"`
}

type Auth struct {
	// JWTSecret enables bearer auth on pipeline routes when set.
	JWTSecret string `yaml:"jwt_secret"`
	Audience  string `yaml:"audience"`
}

type Model struct {
	Path           string `yaml:"path"`
	LibraryPath    string `yaml:"library_path"`
	InputName      string `yaml:"input_name"`
	EmbeddingSize  int    `yaml:"embedding_size"`
	Warmup         bool   `yaml:"warmup"`
	Serialize      bool   `yaml:"serialize"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
}

type Match struct {
	Threshold float64 `yaml:"threshold"`
}

type Pipeline struct {
	Workers      int           `yaml:"workers"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":3000",
			ShutdownTimeout: 15 * time.Second,
		},
		GRPC: GRPC{HealthAddr: ":3001"},
		Database: Database{
			DSN:             "host=localhost user=postgres password=postgres dbname=faceverify port=5432 sslmode=disable",
			MaxIdleConns:    5,
			MaxOpenConns:    10,
			ConnMaxLifetime: time.Hour,
			LogLevel:        "warn",
		},
		Cache: Cache{TTL: 10 * time.Minute},
		Model: Model{
			Path:          "./models/arcface.onnx",
			EmbeddingSize: face.EmbeddingSize,
			Warmup:        true,
		},
		Match: Match{Threshold: face.DefaultThreshold},
		Pipeline: Pipeline{
			Workers:      runtime.NumCPU(),
			StageTimeout: 10 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	c.Server.Addr = getEnv("HTTP_ADDR", c.Server.Addr)
	c.GRPC.HealthAddr = getEnv("GRPC_HEALTH_ADDR", c.GRPC.HealthAddr)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Audience = getEnv("JWT_AUDIENCE", c.Auth.Audience)
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.LibraryPath = getEnv("ONNXRUNTIME_LIB", c.Model.LibraryPath)
	c.Model.InputName = getEnv("MODEL_INPUT_NAME", c.Model.InputName)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	var errs []error
	if v := os.Getenv("MATCH_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MATCH_THRESHOLD: %w", err))
		}
		c.Match.Threshold = f
	}
	if v := os.Getenv("PIPELINE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PIPELINE_WORKERS: %w", err))
		}
		c.Pipeline.Workers = n
	}
	if v := os.Getenv("PIPELINE_STAGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PIPELINE_STAGE_TIMEOUT: %w", err))
		}
		c.Pipeline.StageTimeout = d
	}

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	if !face.ValidThreshold(c.Match.Threshold) {
		errs = append(errs, fmt.Errorf("match.threshold %v outside [-1, 1]", c.Match.Threshold))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be positive"))
	}
	if c.Pipeline.StageTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.stage_timeout must be positive"))
	}
	if c.Model.EmbeddingSize <= 0 {
		errs = append(errs, errors.New("model.embedding_size must be positive"))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
