package nsfw

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultModelURL points at the linear NSFW head trained on DINOv3 features.
	DefaultModelURL = "https://huggingface.co/g-ronimo/dinov3_nsfw_classifier/resolve/main/dino_v3_linear.onnx"

	DefaultInputName  = "pixel_values"
	DefaultOutputName = "classification"

	CacheDriverDir  = "dir"
	CacheDriverBolt = "bolt"

	// EnvWorkerConfig carries the parent's configuration, as YAML, to a
	// worker started by ProcessSpawner.
	EnvWorkerConfig = "NSFW_WORKER_CONFIG"
)

var (
	// overridable via env NSFW_MODEL_CACHE_DIR
	DefaultCachePath = envStr("NSFW_MODEL_CACHE_DIR", "./.models/")

	// DefaultBackends is probed in order: accelerated first, portable last.
	DefaultBackends = []string{BackendCUDA, BackendCoreML, BackendCPU}

	DefaultInputShape = []int64{1, 3, 224, 224}
	DefaultLabels     = []string{"safe", "unsafe"}
)

// Config drives the boundary and the classifier facade.
type Config struct {
	ModelURL    string `yaml:"model_url"`
	ModelName   string `yaml:"model_name"` // cache key, defaults to the URL base name
	ModelSHA256 string `yaml:"model_sha256,omitempty"`
	Origin      string `yaml:"origin,omitempty"`

	CacheDir    string `yaml:"cache_dir"`
	CacheDriver string `yaml:"cache_driver"` // dir, bolt
	SkipCache   bool   `yaml:"skip_cache"`

	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	FetchRetries int           `yaml:"fetch_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`

	Backends       []string `yaml:"backends"`
	ORTLibraryPath string   `yaml:"ort_library_path,omitempty"`
	IntraOpThreads int      `yaml:"intra_op_threads"`

	InputName  string   `yaml:"input_name"`
	OutputName string   `yaml:"output_name"`
	InputShape []int64  `yaml:"input_shape"`
	Labels     []string `yaml:"labels"`

	InitTimeout time.Duration `yaml:"init_timeout"`
	RunTimeout  time.Duration `yaml:"run_timeout"`

	Codec    string `yaml:"codec"` // msgpack, json
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the built-in configuration with NSFW_* overrides applied.
func DefaultConfig() Config {
	cfg := Config{
		ModelURL:     DefaultModelURL,
		CacheDir:     DefaultCachePath,
		CacheDriver:  CacheDriverDir,
		FetchTimeout: 10 * time.Minute,
		RetryDelay:   time.Second,
		Backends:     append([]string(nil), DefaultBackends...),
		InputName:    DefaultInputName,
		OutputName:   DefaultOutputName,
		InputShape:   append([]int64(nil), DefaultInputShape...),
		Labels:       append([]string(nil), DefaultLabels...),
		InitTimeout:  5 * time.Minute,
		RunTimeout:   30 * time.Second,
		Codec:        CodecMsgpack,
		LogLevel:     "info",
	}
	cfg.applyEnv()
	return cfg
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	// env wins over the file
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// encodeWorkerConfig renders c for EnvWorkerConfig.
func encodeWorkerConfig(c Config) (string, error) {
	data, err := yaml.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("failed to encode worker config: %w", err)
	}
	return string(data), nil
}

// workerConfig returns the configuration forwarded in EnvWorkerConfig, or
// fallback when the process was not started by ProcessSpawner. A forwarded
// configuration is used as is; NSFW_* overrides are not applied again.
func workerConfig(fallback Config) (Config, error) {
	raw, ok := os.LookupEnv(EnvWorkerConfig)
	if !ok || raw == "" {
		return fallback, nil
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse worker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid worker config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ModelURL = envStr("NSFW_MODEL_URL", c.ModelURL)
	c.ModelName = envStr("NSFW_MODEL_NAME", c.ModelName)
	c.CacheDir = envStr("NSFW_MODEL_CACHE_DIR", c.CacheDir)
	c.CacheDriver = envStr("NSFW_CACHE_DRIVER", c.CacheDriver)
	c.Backends = envList("NSFW_BACKENDS", c.Backends)
	c.ORTLibraryPath = envStr("NSFW_ORT_LIBRARY", c.ORTLibraryPath)
	c.LogLevel = envStr("NSFW_LOG_LEVEL", c.LogLevel)
	c.InitTimeout = envDuration("NSFW_INIT_TIMEOUT", c.InitTimeout)
	c.RunTimeout = envDuration("NSFW_RUN_TIMEOUT", c.RunTimeout)
	if envBool("NSFW_MODEL_SKIP_CACHE") {
		c.SkipCache = true
	}
}

// Validate checks the configuration and fills derived fields.
func (c *Config) Validate() error {
	if c.ModelURL == "" {
		return fmt.Errorf("model_url is required")
	}
	if c.ModelName == "" {
		c.ModelName = artifactName(c.ModelURL)
	}
	if safeName(c.ModelName) == "" {
		return fmt.Errorf("cannot derive a cache name from %q", c.ModelURL)
	}
	switch c.CacheDriver {
	case "", CacheDriverDir, CacheDriverBolt:
	default:
		return fmt.Errorf("unknown cache_driver %q (want %s or %s)", c.CacheDriver, CacheDriverDir, CacheDriverBolt)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("fetch_retries must be >= 0, got %d", c.FetchRetries)
	}
	if c.InputName == "" || c.OutputName == "" {
		return fmt.Errorf("input_name and output_name are required")
	}
	if len(c.InputShape) == 0 {
		return fmt.Errorf("input_shape is required")
	}
	for i, d := range c.InputShape {
		if d <= 0 {
			return fmt.Errorf("input_shape[%d] must be positive, got %d", i, d)
		}
	}
	switch c.Codec {
	case "", CodecMsgpack, CodecJSON:
	default:
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Logger builds a logrus logger honouring LogLevel.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}
