// Package config loads the service's environment-variable configuration
// (spec §6) via viper, with cobra flags from cmd/recalld able to override
// the same viper instance.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EmbeddingMode enumerates RECALL_EMBEDDING_MODE.
type EmbeddingMode string

const (
	EmbeddingNone        EmbeddingMode = "none"
	EmbeddingLocal       EmbeddingMode = "local"
	EmbeddingOpenAI      EmbeddingMode = "openai"
	EmbeddingSiliconFlow EmbeddingMode = "siliconflow"
	EmbeddingCustom      EmbeddingMode = "custom"
)

// RelationMode enumerates LLM_RELATION_MODE, matching Extractor's modes.
type RelationMode string

const (
	RelationRules    RelationMode = "rules"
	RelationAdaptive RelationMode = "adaptive"
	RelationLLM      RelationMode = "llm"
)

// Config is the fully-resolved, typed configuration surface. Every field
// corresponds to one of the environment variables enumerated in spec §6.
type Config struct {
	DataRoot string `mapstructure:"data_root"`

	EmbeddingMode      EmbeddingMode `mapstructure:"embedding_mode"`
	EmbeddingAPIKey    string        `mapstructure:"embedding_api_key"`
	EmbeddingAPIBase   string        `mapstructure:"embedding_api_base"`
	EmbeddingModel     string        `mapstructure:"embedding_model"`
	EmbeddingDimension int           `mapstructure:"embedding_dimension"`
	EmbeddingRateLimit int           `mapstructure:"embedding_rate_limit"`
	EmbeddingRateWindow time.Duration `mapstructure:"embedding_rate_window"`

	LLMAPIKey           string       `mapstructure:"llm_api_key"`
	LLMAPIBase          string       `mapstructure:"llm_api_base"`
	LLMModel            string       `mapstructure:"llm_model"`
	LLMDefaultMaxTokens int          `mapstructure:"llm_default_max_tokens"`
	LLMRelationMode     RelationMode `mapstructure:"llm_relation_mode"`

	EntitySummaryEnabled   bool `mapstructure:"entity_summary_enabled"`
	EpisodeTrackingEnabled bool `mapstructure:"episode_tracking_enabled"`
	ForeshadowingLLMEnabled bool `mapstructure:"foreshadowing_llm_enabled"`

	ContextMaxPerType int     `mapstructure:"context_max_per_type"`
	ContextMaxTotal   int     `mapstructure:"context_max_total"`
	ContextDecayDays  int     `mapstructure:"context_decay_days"`
	DedupHighThreshold float64 `mapstructure:"dedup_high_threshold"`
	DedupLowThreshold  float64 `mapstructure:"dedup_low_threshold"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	HTTPAddr string `mapstructure:"http_addr"`
}

// Load binds every RECALL_*/EMBEDDING_*/LLM_*/CONTEXT_*/DEDUP_* env var
// listed in spec §6 onto v, applies defaults, and unmarshals into Config.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bind := func(key, env string) { _ = v.BindEnv(key, env) }

	bind("data_root", "RECALL_DATA_ROOT")
	bind("embedding_mode", "RECALL_EMBEDDING_MODE")
	bind("embedding_api_key", "EMBEDDING_API_KEY")
	bind("embedding_api_base", "EMBEDDING_API_BASE")
	bind("embedding_model", "EMBEDDING_MODEL")
	bind("embedding_dimension", "EMBEDDING_DIMENSION")
	bind("embedding_rate_limit", "EMBEDDING_RATE_LIMIT")
	bind("embedding_rate_window", "EMBEDDING_RATE_WINDOW")
	bind("llm_api_key", "LLM_API_KEY")
	bind("llm_api_base", "LLM_API_BASE")
	bind("llm_model", "LLM_MODEL")
	bind("llm_default_max_tokens", "LLM_DEFAULT_MAX_TOKENS")
	bind("llm_relation_mode", "LLM_RELATION_MODE")
	bind("entity_summary_enabled", "ENTITY_SUMMARY_ENABLED")
	bind("episode_tracking_enabled", "EPISODE_TRACKING_ENABLED")
	bind("foreshadowing_llm_enabled", "FORESHADOWING_LLM_ENABLED")
	bind("context_max_per_type", "CONTEXT_MAX_PER_TYPE")
	bind("context_max_total", "CONTEXT_MAX_TOTAL")
	bind("context_decay_days", "CONTEXT_DECAY_DAYS")
	bind("dedup_high_threshold", "DEDUP_HIGH_THRESHOLD")
	bind("dedup_low_threshold", "DEDUP_LOW_THRESHOLD")
	bind("log_level", "RECALL_LOG_LEVEL")
	bind("log_pretty", "RECALL_LOG_PRETTY")
	bind("http_addr", "RECALL_HTTP_ADDR")

	v.SetDefault("data_root", "./recall_data")
	v.SetDefault("embedding_mode", string(EmbeddingNone))
	v.SetDefault("embedding_dimension", 384)
	v.SetDefault("embedding_rate_limit", 60)
	v.SetDefault("embedding_rate_window", "60s")
	v.SetDefault("llm_default_max_tokens", 1024)
	v.SetDefault("llm_relation_mode", string(RelationAdaptive))
	v.SetDefault("entity_summary_enabled", true)
	v.SetDefault("episode_tracking_enabled", true)
	v.SetDefault("foreshadowing_llm_enabled", false)
	v.SetDefault("context_max_per_type", 10)
	v.SetDefault("context_max_total", 50)
	v.SetDefault("context_decay_days", 30)
	v.SetDefault("dedup_high_threshold", 0.92)
	v.SetDefault("dedup_low_threshold", 0.75)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("http_addr", "127.0.0.1:18888")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
