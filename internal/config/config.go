package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration. It is loaded once at startup
// and passed explicitly into every constructor that needs a tunable; nothing
// reads configuration ambiently after Load returns.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig groups the HTTP-facing tunables.
type ServerConfig struct {
	UploadMaxSize         int64 `yaml:"uploadMaxSize"`
	UploadLimitEnabled    bool  `yaml:"uploadLimitEnabled"`
	RequestTimeoutSeconds int   `yaml:"requestTimeoutSeconds"`
}

// RequestTimeout returns the per-request deadline as a duration.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// EngineConfig controls the recognition engine pool and the trained-data
// location. PoolSize zero means one instance per available CPU.
type EngineConfig struct {
	PoolSize               int    `yaml:"poolSize"`
	AcquireTimeoutSeconds  int    `yaml:"acquireTimeoutSeconds"`
	ShutdownGraceSeconds   int    `yaml:"shutdownGraceSeconds"`
	DataPath               string `yaml:"dataPath"`
	DefaultLanguage        string `yaml:"defaultLanguage"`
}

// AcquireTimeout returns how long a request may wait for an idle instance.
func (c EngineConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long shutdown waits for in-flight recognitions.
func (c EngineConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Instances resolves the effective pool size.
func (c EngineConfig) Instances() int {
	if c.PoolSize > 0 {
		return c.PoolSize
	}
	return runtime.NumCPU()
}

// DatabaseConfig points at the optional recognition-record archive. An empty
// URL disables persistence entirely.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig points at the optional upload archive. An empty endpoint
// disables it.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// AuthConfig gates the bearer-token middleware. The signing secret is only
// ever read from the environment, never from the config file.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"-"`
}

// Defaults mirror the service's historical behavior: 10 MiB upload cap,
// 15 second request timeout, English trained data under ./tessdata.
const (
	DefaultHost                  = "0.0.0.0"
	DefaultPort                  = 8080
	DefaultUploadMaxSize         = 10 * 1024 * 1024
	DefaultRequestTimeoutSeconds = 15
	DefaultAcquireTimeoutSeconds = 10
	DefaultShutdownGraceSeconds  = 30
	DefaultDataPath              = "tessdata"
	DefaultLanguage              = "eng"
)

// Load reads the YAML config file at path (missing file is fine, defaults
// apply), then applies environment-variable overrides on top.
func Load(path string) (*Config, error) {
	config := &Config{
		Host: DefaultHost,
		Port: DefaultPort,
		Server: ServerConfig{
			UploadMaxSize:         DefaultUploadMaxSize,
			UploadLimitEnabled:    true,
			RequestTimeoutSeconds: DefaultRequestTimeoutSeconds,
		},
		Engine: EngineConfig{
			AcquireTimeoutSeconds: DefaultAcquireTimeoutSeconds,
			ShutdownGraceSeconds:  DefaultShutdownGraceSeconds,
			DataPath:              DefaultDataPath,
			DefaultLanguage:       DefaultLanguage,
		},
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if host := os.Getenv("HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			config.Port = n
		}
	}
	if size := os.Getenv("SERVER_FILE_UPLOAD_MAX_SIZE"); size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil {
			config.Server.UploadMaxSize = n
		}
	}
	if timeout := os.Getenv("SERVER_REQUEST_TIMEOUT"); timeout != "" {
		if n, err := strconv.Atoi(timeout); err == nil {
			config.Server.RequestTimeoutSeconds = n
		}
	}
	if path := os.Getenv("TESSDATA_PATH"); path != "" {
		config.Engine.DataPath = path
	}
	if lang := os.Getenv("OCR_DEFAULT_LANGUAGE"); lang != "" {
		config.Engine.DefaultLanguage = lang
	}
	if size := os.Getenv("OCR_POOL_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.Engine.PoolSize = n
		}
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.Database.URL = url
	}
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		config.Storage.Endpoint = endpoint
	}
	if key := os.Getenv("MINIO_ACCESS_KEY"); key != "" {
		config.Storage.AccessKey = key
	}
	if key := os.Getenv("MINIO_SECRET_KEY"); key != "" {
		config.Storage.SecretKey = key
	}
	if bucket := os.Getenv("MINIO_BUCKET"); bucket != "" {
		config.Storage.Bucket = bucket
	}
	if ssl := os.Getenv("MINIO_USE_SSL"); ssl != "" {
		config.Storage.UseSSL = ssl == "true"
	}
	if enabled := os.Getenv("AUTH_ENABLED"); enabled != "" {
		config.Auth.Enabled = enabled == "true"
	}
	config.Auth.Secret = os.Getenv("JWT_SECRET")
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Server.UploadLimitEnabled && c.Server.UploadMaxSize <= 0 {
		return fmt.Errorf("upload limit enabled but max size is %d", c.Server.UploadMaxSize)
	}
	if c.Engine.PoolSize < 0 {
		return fmt.Errorf("invalid pool size %d", c.Engine.PoolSize)
	}
	if c.Engine.DefaultLanguage == "" {
		return fmt.Errorf("default language must not be empty")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth enabled but JWT_SECRET is not set")
	}
	return nil
}
