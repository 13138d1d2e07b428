package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/connortoro/aicompare/domain/models"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt leads every conversation unless configured otherwise.
const DefaultSystemPrompt = "You are a helpful assistant. Format answers in Markdown. " +
	"Use fenced code blocks with a language tag for code, $...$ for inline math and $$...$$ for display math."

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	LLMProvider    LLMProviderConfig    `yaml:"llm_provider"`
	Chat           ChatConfig           `yaml:"chat"`
	Database       DatabaseConfig       `yaml:"database"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type ServerConfig struct {
	Host            string          `yaml:"host"`
	Port            string          `yaml:"port"`
	AppName         string          `yaml:"app_name"`
	RefererURL      string          `yaml:"referer_url"`
	CorsOrigins     []string        `yaml:"cors_origins"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// RateLimitConfig bounds prompt submissions; zero disables the limit.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type LLMProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ChatConfig struct {
	SystemPrompt string         `yaml:"system_prompt"`
	DefaultModel string         `yaml:"default_model"`
	Models       []models.Model `yaml:"models"`
	CodeStyle    string         `yaml:"code_style"`
}

type DatabaseConfig struct {
	EnablePersistence bool   `yaml:"enable_persistence"`
	URL               string `yaml:"url"`
	Host              string `yaml:"host"`
	Port              string `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	Name              string `yaml:"name"`
	SSLMode           string `yaml:"ssl_mode"`
	Workers           int    `yaml:"workers"`
	BufferSize        int    `yaml:"buffer_size"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	ReportCaller bool   `yaml:"report_caller"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		logrus.WithField("env_file", path).Debug("Loaded environment file")
	}
	return nil
}

// LoadYAML loads configuration from YAML file with environment variable overrides
func LoadYAML(configPath string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	if configPath == "" {
		configPath = "config.yaml"
	}

	config := getDefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		yamlFile, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in YAML content
		expandedYAML := os.ExpandEnv(string(yamlFile))

		if err := yaml.Unmarshal([]byte(expandedYAML), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		logrus.WithField("config_file", configPath).Info("Loaded configuration from YAML file")
	} else {
		logrus.WithField("config_file", configPath).Debug("Config file not found, using defaults and environment variables")
	}

	config = applyEnvironmentOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with sensible defaults
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        "8080",
			AppName:     "AI Compare",
			RefererURL:  "http://localhost:8080",
			CorsOrigins: []string{"*"},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 2,
				Burst:             5,
			},
			ShutdownTimeout: 10 * time.Second,
		},
		LLMProvider: LLMProviderConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Timeout: 120 * time.Second,
		},
		Chat: ChatConfig{
			SystemPrompt: DefaultSystemPrompt,
			DefaultModel: models.DefaultLabel,
			Models:       models.DefaultModels(),
			CodeStyle:    "monokai",
		},
		Database: DatabaseConfig{
			EnablePersistence: true,
			URL:               "aicompare.db",
			SSLMode:           "disable",
			Workers:           2,
			BufferSize:        256,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "auto",
			ReportCaller: false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
			MaxRequests:      3,
		},
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(config *Config) *Config {
	// Server overrides
	if val := os.Getenv("HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		config.Server.Port = val
	}
	if val := os.Getenv("APP_NAME"); val != "" {
		config.Server.AppName = val
	}
	if val := os.Getenv("REFERER_URL"); val != "" {
		config.Server.RefererURL = val
	}
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		config.Server.CorsOrigins = splitList(val)
	}
	if val := os.Getenv("RATE_LIMIT_RPS"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Server.RateLimit.RequestsPerSecond = f
		}
	}
	if val := os.Getenv("RATE_LIMIT_BURST"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Server.RateLimit.Burst = i
		}
	}

	// LLM Provider overrides
	if val := os.Getenv("OPENROUTER_API_KEY"); val != "" {
		config.LLMProvider.APIKey = val
	}
	if val := os.Getenv("OPENROUTER_BASE_URL"); val != "" {
		config.LLMProvider.BaseURL = val
	}
	if val := os.Getenv("LLM_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.LLMProvider.Timeout = d
		}
	}

	// Chat overrides
	if val, ok := os.LookupEnv("SYSTEM_PROMPT"); ok {
		config.Chat.SystemPrompt = val
	}
	if val := os.Getenv("DEFAULT_MODEL"); val != "" {
		config.Chat.DefaultModel = val
	}
	if val := os.Getenv("CODE_STYLE"); val != "" {
		config.Chat.CodeStyle = val
	}

	// Database overrides
	if val := os.Getenv("ENABLE_PERSISTENCE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Database.EnablePersistence = b
		}
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Database.URL = val
	}
	if val := os.Getenv("DATABASE_HOST"); val != "" {
		config.Database.Host = val
	}
	if val := os.Getenv("DATABASE_PORT"); val != "" {
		config.Database.Port = val
	}
	if val := os.Getenv("DATABASE_USER"); val != "" {
		config.Database.User = val
	}
	if val := os.Getenv("DATABASE_PASSWORD"); val != "" {
		config.Database.Password = val
	}
	if val := os.Getenv("DATABASE_NAME"); val != "" {
		config.Database.Name = val
	}
	if val := os.Getenv("DATABASE_SSL_MODE"); val != "" {
		config.Database.SSLMode = val
	}
	if val := os.Getenv("DATABASE_WORKERS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Database.Workers = i
		}
	}
	if val := os.Getenv("DATABASE_BUFFER_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Database.BufferSize = i
		}
	}

	// Logging overrides
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_REPORT_CALLER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Logging.ReportCaller = b
		}
	}

	// Circuit breaker overrides
	if val := os.Getenv("CIRCUIT_BREAKER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.CircuitBreaker.Enabled = b
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.FailureThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_SUCCESS_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.SuccessThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.CircuitBreaker.Timeout = d
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.MaxRequests = uint32(i)
		}
	}

	return config
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateConfig validates the configuration and returns errors for invalid values
func validateConfig(config *Config) error {
	var errs []string

	if config.LLMProvider.APIKey == "" {
		errs = append(errs, "OPENROUTER_API_KEY is required - get one from https://openrouter.ai/keys")
	}

	if config.LLMProvider.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("LLM_TIMEOUT must be positive (current: %s)", config.LLMProvider.Timeout))
	}

	if _, err := config.Catalog(); err != nil {
		errs = append(errs, err.Error())
	}

	if config.Server.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Sprintf("RATE_LIMIT_RPS cannot be negative (current: %.2f)", config.Server.RateLimit.RequestsPerSecond))
	}

	if config.Database.Workers < 0 || config.Database.BufferSize < 0 {
		errs = append(errs, "database workers and buffer_size cannot be negative")
	}

	switch config.Logging.Format {
	case "", "auto", "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be json, text or auto (current: %s)", config.Logging.Format))
	}

	// Model ids are provider/model; warn but don't fail
	for _, m := range config.Chat.Models {
		if !strings.Contains(m.ID, "/") {
			logrus.WithField("model", m.ID).Warn("Model may not be valid - expected format: provider/model")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Catalog builds the model catalog from the chat section.
func (c *Config) Catalog() (*models.Catalog, error) {
	return models.NewCatalog(c.Chat.Models, c.Chat.DefaultModel)
}

// GetDatabaseDSN constructs the database connection string. An explicit URL
// wins; otherwise a configured host selects postgres.
func (c *Config) GetDatabaseDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if c.Database.Host == "" {
		return "aicompare.db"
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Load reads config.yaml from the working directory.
func Load() (*Config, error) {
	return LoadYAML("")
}
