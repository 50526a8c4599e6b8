// Package cfg loads service configuration from a YAML file, overridden
// by environment variables. A missing CONFIG_FILE falls back to
// environment variables with built-in defaults.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the resolved runtime configuration.
type Settings struct {
	ListenPort  int
	MetricsPort int
	DataPath    string

	MLModelPath    string
	MLMetadataPath string
	DLModelPath    string
	DLMetadataPath string

	AlertWebhookURL string
	AlertTimeout    time.Duration

	RateLimit      float64 // requests per second per client
	RateBurst      int
	RequestTimeout time.Duration
}

// ConfigFile mirrors the YAML layout on disk.
type ConfigFile struct {
	Server struct {
		ListenPort     int    `yaml:"listenPort"`
		MetricsPort    int    `yaml:"metricsPort"`
		RequestTimeout string `yaml:"requestTimeout"`
	} `yaml:"server"`

	Models struct {
		MLModelPath    string `yaml:"mlModelPath"`
		MLMetadataPath string `yaml:"mlMetadataPath"`
		DLModelPath    string `yaml:"dlModelPath"`
		DLMetadataPath string `yaml:"dlMetadataPath"`
	} `yaml:"models"`

	Alerts struct {
		WebhookURL string `yaml:"webhookURL"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"alerts"`

	RateLimit struct {
		RequestsPerSecond float64 `yaml:"requestsPerSecond"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rateLimit"`

	System struct {
		DataPath string `yaml:"dataPath"`
	} `yaml:"system"`
}

// Load resolves configuration. CONFIG_FILE selects the YAML path; in
// either mode environment variables win over file values.
func Load() (Settings, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	requestTimeout, err := time.ParseDuration(config.Server.RequestTimeout)
	if err != nil {
		requestTimeout = 30 * time.Second
	}
	alertTimeout, err := time.ParseDuration(config.Alerts.Timeout)
	if err != nil {
		alertTimeout = 5 * time.Second
	}

	settings := Settings{
		ListenPort:      getIntFromEnvOrConfig("LISTEN_PORT", config.Server.ListenPort, 8000),
		MetricsPort:     getIntFromEnvOrConfig("METRICS_PORT", config.Server.MetricsPort, 9090),
		DataPath:        getEnvOrDefault("DATA_PATH", config.System.DataPath),
		MLModelPath:     getEnvOrDefault("ML_MODEL_PATH", config.Models.MLModelPath),
		MLMetadataPath:  getEnvOrDefault("ML_METADATA_PATH", config.Models.MLMetadataPath),
		DLModelPath:     getEnvOrDefault("DL_MODEL_PATH", config.Models.DLModelPath),
		DLMetadataPath:  getEnvOrDefault("DL_METADATA_PATH", config.Models.DLMetadataPath),
		AlertWebhookURL: getEnvOrDefault("ALERT_WEBHOOK_URL", config.Alerts.WebhookURL),
		AlertTimeout:    getDurationOrDefault("ALERT_TIMEOUT", alertTimeout),
		RateLimit:       getFloatFromEnvOrConfig("RATE_LIMIT", config.RateLimit.RequestsPerSecond, 10),
		RateBurst:       getIntFromEnvOrConfig("RATE_BURST", config.RateLimit.Burst, 20),
		RequestTimeout:  getDurationOrDefault("REQUEST_TIMEOUT", requestTimeout),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ListenPort:      getIntOrDefault("LISTEN_PORT", 8000),
		MetricsPort:     getIntOrDefault("METRICS_PORT", 9090),
		DataPath:        getEnvOrDefault("DATA_PATH", "data"),
		MLModelPath:     getEnvOrDefault("ML_MODEL_PATH", "models/stroke_tabular.onnx"),
		MLMetadataPath:  getEnvOrDefault("ML_METADATA_PATH", "models/stroke_tabular.json"),
		DLModelPath:     getEnvOrDefault("DL_MODEL_PATH", "models/stroke_scan.onnx"),
		DLMetadataPath:  getEnvOrDefault("DL_METADATA_PATH", "models/stroke_scan.json"),
		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"), // optional
		AlertTimeout:    getDurationOrDefault("ALERT_TIMEOUT", 5*time.Second),
		RateLimit:       getFloatOrDefault("RATE_LIMIT", 10),
		RateBurst:       getIntOrDefault("RATE_BURST", 20),
		RequestTimeout:  getDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func validateSettings(settings *Settings) error {
	if settings.ListenPort < 1 || settings.ListenPort > 65535 {
		return fmt.Errorf("listen port must be between 1 and 65535, got %d", settings.ListenPort)
	}
	if settings.MetricsPort < 1 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1 and 65535, got %d", settings.MetricsPort)
	}
	if settings.MetricsPort == settings.ListenPort {
		return fmt.Errorf("metrics port must differ from listen port, both %d", settings.ListenPort)
	}

	if settings.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}
	if settings.MLModelPath == "" || settings.MLMetadataPath == "" {
		return fmt.Errorf("tabular model and metadata paths are required")
	}
	if settings.DLModelPath == "" || settings.DLMetadataPath == "" {
		return fmt.Errorf("image model and metadata paths are required")
	}

	if settings.AlertTimeout < time.Second || settings.AlertTimeout > time.Minute {
		return fmt.Errorf("alert timeout must be between 1s and 1m, got %v", settings.AlertTimeout)
	}
	if settings.RequestTimeout < time.Second || settings.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request timeout must be between 1s and 5m, got %v", settings.RequestTimeout)
	}

	if settings.RateLimit <= 0 || settings.RateLimit > 1000 {
		return fmt.Errorf("rate limit must be between 0 and 1000 req/s, got %f", settings.RateLimit)
	}
	if settings.RateBurst <= 0 || settings.RateBurst > 10000 {
		return fmt.Errorf("rate burst must be between 1 and 10000, got %d", settings.RateBurst)
	}

	return nil
}
