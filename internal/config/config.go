package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Backend names accepted by INFERENCE_BACKEND.
const (
	BackendStub   = "stub"
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Config holds process configuration loaded from the environment.
type Config struct {
	HTTPAddr        string `env:"HTTP_ADDR,default=:8080"`
	MaxUploadSize   string `env:"MAX_UPLOAD_BYTES,default=10MB"`
	ShutdownTimeout int    `env:"SHUTDOWN_TIMEOUT_SEC,default=15"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`

	TempStorageDir string `env:"TEMP_STORAGE_DIR"`

	InferenceBackend   string  `env:"INFERENCE_BACKEND,default=stub"`
	ModelArtifactPath  string  `env:"MODEL_ARTIFACT_PATH,default=model/food_calorie_model.yaml"`
	InferenceAddr      string  `env:"INFERENCE_ADDR"`
	InferenceTimeoutMS int     `env:"INFERENCE_TIMEOUT_MS,default=2000"`
	StubCalories       float64 `env:"STUB_CALORIES,default=250"`
	SerializeInference bool    `env:"SERIALIZE_INFERENCE,default=false"`
	ModelGRPCAddr      string  `env:"MODEL_GRPC_ADDR,default=:50051"`

	JWTSecret           string `env:"JWT_SECRET"`
	JWTAudience         string `env:"JWT_AUDIENCE"`
	VerifierURL         string `env:"IDENTITY_VERIFIER_URL"`
	VerifierTimeoutMS   int    `env:"IDENTITY_VERIFIER_TIMEOUT_MS,default=3000"`
	RedisAddr           string `env:"REDIS_ADDR"`
	EstimateCacheTTLSec int    `env:"ESTIMATE_CACHE_TTL_SEC,default=600"`
	DatabaseDSN         string `env:"DATABASE_DSN"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_INSECURE,default=false"`

	// MaxUploadBytes is MaxUploadSize parsed by Load.
	MaxUploadBytes int64
}

// Load reads an optional .env file and then the process environment.
func Load(dotenvPaths ...string) (*Config, error) {
	if len(dotenvPaths) == 0 {
		dotenvPaths = []string{".env"}
	}
	for _, path := range dotenvPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		// Existing variables win over the file.
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.TempStorageDir == "" {
		cfg.TempStorageDir = filepath.Join(os.TempDir(), "food-calorie")
	}

	size, err := ParseSize(cfg.MaxUploadSize)
	if err != nil {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
	}
	cfg.MaxUploadBytes = size

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseSize accepts plain byte counts ("1048576") and humanized sizes ("10MB", "5 MiB").
func ParseSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("empty size")
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("size must be positive, got %d", n)
		}
		return n, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > uint64(1<<62) {
		return 0, fmt.Errorf("size out of range: %s", value)
	}
	return int64(n), nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	switch c.InferenceBackend {
	case BackendStub:
	case BackendLocal:
		if c.ModelArtifactPath == "" {
			errs = append(errs, errors.New("MODEL_ARTIFACT_PATH is required for the local backend"))
		}
	case BackendRemote:
		if c.InferenceAddr == "" {
			errs = append(errs, errors.New("INFERENCE_ADDR is required for the remote backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown INFERENCE_BACKEND %q", c.InferenceBackend))
	}
	if c.InferenceTimeoutMS <= 0 {
		errs = append(errs, errors.New("INFERENCE_TIMEOUT_MS must be positive"))
	}
	if c.StubCalories < 0 {
		errs = append(errs, errors.New("STUB_CALORIES must not be negative"))
	}
	if c.JWTSecret == "" && c.VerifierURL == "" {
		errs = append(errs, errors.New("one of JWT_SECRET or IDENTITY_VERIFIER_URL is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutMS) * time.Millisecond
}

func (c *Config) VerifierTimeout() time.Duration {
	return time.Duration(c.VerifierTimeoutMS) * time.Millisecond
}

func (c *Config) EstimateCacheTTL() time.Duration {
	return time.Duration(c.EstimateCacheTTLSec) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	if c.ShutdownTimeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.ShutdownTimeout) * time.Second
}
