package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete service configuration. It is loaded once at
// startup and passed by value to the components that need it.
type Config struct {
	// Secret authenticates task submissions.
	Secret   string         `mapstructure:"secret"`
	Server   ServerConfig   `mapstructure:"server"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	AI       AIConfig       `mapstructure:"ai"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Log      LogConfig      `mapstructure:"log"`
	// DBPath is the sqlite database file (default: data directory).
	DBPath string `mapstructure:"db_path"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type GitHubConfig struct {
	Token string `mapstructure:"token"`
	// Owner is the organization repositories are created under. Empty means
	// the authenticated user.
	Owner string `mapstructure:"owner"`
	// RequestsPerSecond caps calls to the GitHub API.
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type GatewayConfig struct {
	Token string `mapstructure:"token"`
	URL   string `mapstructure:"url"`
}

// Configured reports whether a non-blank credential is present.
func (g GatewayConfig) Configured() bool {
	return strings.TrimSpace(g.Token) != ""
}

type AIConfig struct {
	// Primary is the AIPipe gateway, Secondary the direct OpenAI endpoint.
	Primary   GatewayConfig `mapstructure:"primary"`
	Secondary GatewayConfig `mapstructure:"secondary"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Providers lists the configured gateways in priority order.
func (c AIConfig) Providers() []string {
	var names []string
	if c.Primary.Configured() {
		names = append(names, "aipipe")
	}
	if c.Secondary.Configured() {
		names = append(names, "openai")
	}
	return names
}

type PipelineConfig struct {
	// Workers is the number of submissions processed concurrently.
	Workers int `mapstructure:"workers"`
	// Queue is how many submissions may wait for a worker before new ones
	// are rejected.
	Queue int `mapstructure:"queue"`
}

type NotifyConfig struct {
	// Timeout bounds each delivery attempt.
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 7860},
		GitHub: GitHubConfig{RequestsPerSecond: 5, Timeout: 30 * time.Second},
		AI: AIConfig{
			Primary:   GatewayConfig{URL: "https://aipipe.org/openai/v1"},
			Secondary: GatewayConfig{URL: "https://api.openai.com/v1"},
			Model:     "gpt-4o-mini",
			Timeout:   60 * time.Second,
		},
		Pipeline: PipelineConfig{Workers: 4, Queue: 16},
		Notify:   NotifyConfig{Timeout: 30 * time.Second},
		Log:      LogConfig{Level: "INFO"},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("secret", d.Secret)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("github.token", d.GitHub.Token)
	v.SetDefault("github.owner", d.GitHub.Owner)
	v.SetDefault("github.requests_per_second", d.GitHub.RequestsPerSecond)
	v.SetDefault("github.timeout", d.GitHub.Timeout)
	v.SetDefault("ai.primary.token", d.AI.Primary.Token)
	v.SetDefault("ai.primary.url", d.AI.Primary.URL)
	v.SetDefault("ai.secondary.token", d.AI.Secondary.Token)
	v.SetDefault("ai.secondary.url", d.AI.Secondary.URL)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.timeout", d.AI.Timeout)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.queue", d.Pipeline.Queue)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("db_path", d.DBPath)
}

// envNames maps config keys to environment variables. The lowercase names
// match the secrets of the hosted deployment.
var envNames = map[string][]string{
	"secret":                     {"secret", "SECRET"},
	"server.host":                {"HOST"},
	"server.port":                {"PORT"},
	"github.token":               {"github_token", "GITHUB_TOKEN"},
	"github.owner":               {"GITHUB_OWNER"},
	"github.requests_per_second": {"GITHUB_RPS"},
	"ai.primary.token":           {"AIPIPE_TOKEN"},
	"ai.primary.url":             {"AIPIPE_URL"},
	"ai.secondary.token":         {"OPENAI_API_KEY"},
	"ai.secondary.url":           {"OPENAI_URL"},
	"ai.model":                   {"AI_MODEL"},
	"ai.timeout":                 {"AI_TIMEOUT"},
	"pipeline.workers":           {"WORKERS"},
	"pipeline.queue":             {"QUEUE"},
	"notify.timeout":             {"NOTIFY_TIMEOUT"},
	"log.level":                  {"LOG_LEVEL"},
	"log.file":                   {"LOG_FILE"},
	"db_path":                    {"DB_PATH"},
}

// BindEnv binds every config key to its environment variables.
func BindEnv(v *viper.Viper) {
	for key, names := range envNames {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

// LoadDotEnv loads variables from path into the process environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads the optional config file named by the "config" key, then
// unmarshals and validates the configuration.
func Load(v *viper.Viper) (Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Secret) == "" {
		errs = append(errs, errors.New("secret is required (env: secret)"))
	}
	if strings.TrimSpace(c.GitHub.Token) == "" {
		errs = append(errs, errors.New("github token is required (env: github_token)"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline workers must be at least 1, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.Queue < 0 {
		errs = append(errs, fmt.Errorf("pipeline queue must not be negative, got %d", c.Pipeline.Queue))
	}
	if c.GitHub.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("github requests_per_second must be positive, got %v", c.GitHub.RequestsPerSecond))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
