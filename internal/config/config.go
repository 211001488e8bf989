package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini" mapstructure:"gemini"`
	Judge     JudgeConfig     `yaml:"judge" mapstructure:"judge"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Research  ResearchConfig  `yaml:"research" mapstructure:"research"`
	Images    ImagesConfig    `yaml:"images" mapstructure:"images"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// JudgeConfig selects the judge provider and its call policy.
type JudgeConfig struct {
	Provider         string  `yaml:"provider" mapstructure:"provider"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RequestsPerSec   float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the per-call judge timeout.
func (j JudgeConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutSecs) * time.Second
}

// PipelineConfig configures extraction and ranking.
type PipelineConfig struct {
	Concurrency        int `yaml:"concurrency" mapstructure:"concurrency"`
	AdmissionThreshold int `yaml:"admission_threshold" mapstructure:"admission_threshold"`
	WindowSize         int `yaml:"window_size" mapstructure:"window_size"`
	WindowOverlap      int `yaml:"window_overlap" mapstructure:"window_overlap"`
	SummaryPreview     int `yaml:"summary_preview" mapstructure:"summary_preview"`
	NeutralScore       int `yaml:"neutral_score" mapstructure:"neutral_score"`
}

// ResearchConfig configures session defaults.
type ResearchConfig struct {
	DefaultLimit  int    `yaml:"default_limit" mapstructure:"default_limit"`
	SchemaLibrary string `yaml:"schema_library" mapstructure:"schema_library"`
}

// ImagesConfig configures the image store.
type ImagesConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a default never reach Unmarshal through AutomaticEnv.
	for _, key := range []string{"anthropic.key", "gemini.key"} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "research.db")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("judge.provider", "anthropic")
	v.SetDefault("judge.timeout_secs", 60)
	v.SetDefault("judge.max_attempts", 3)
	v.SetDefault("judge.requests_per_sec", 0)
	v.SetDefault("judge.burst", 1)
	v.SetDefault("judge.breaker_threshold", 5)
	v.SetDefault("judge.breaker_reset_secs", 30)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.admission_threshold", 1)
	v.SetDefault("pipeline.window_size", 5)
	v.SetDefault("pipeline.window_overlap", 1)
	v.SetDefault("pipeline.summary_preview", 10)
	v.SetDefault("pipeline.neutral_score", 50)
	v.SetDefault("research.default_limit", 20)
	v.SetDefault("images.dir", "images")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys required by a command mode: "serve", "ask",
// "ingest" (all need a judge and a store) or "migrate" (store only).
func (c *Config) Validate(mode string) error {
	var problems []string
	requireStore := func() {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}
	requireJudge := func() {
		switch c.Judge.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				problems = append(problems, "anthropic.key is required")
			}
		case "gemini":
			if c.Gemini.Key == "" {
				problems = append(problems, "gemini.key is required")
			}
		default:
			problems = append(problems, fmt.Sprintf("judge.provider %q must be anthropic or gemini", c.Judge.Provider))
		}
	}
	requirePipeline := func() {
		p := c.Pipeline
		if p.Concurrency < 1 || p.Concurrency > 64 {
			problems = append(problems, "pipeline.concurrency must be between 1 and 64")
		}
		if p.WindowSize < 2 {
			problems = append(problems, "pipeline.window_size must be >= 2")
		}
		if p.WindowOverlap < 0 || p.WindowOverlap >= p.WindowSize {
			problems = append(problems, "pipeline.window_overlap must be in [0, window_size)")
		}
		if p.NeutralScore < 0 || p.NeutralScore > 100 {
			problems = append(problems, "pipeline.neutral_score must be between 0 and 100")
		}
	}

	switch mode {
	case "migrate":
		requireStore()
	case "ask", "ingest":
		requireStore()
		requireJudge()
		requirePipeline()
	case "serve":
		requireStore()
		requireJudge()
		requirePipeline()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
