// Package config loads the application configuration from files, .env and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/Veraticus/expense-flow/internal/categorize"
	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/embedding"
	"github.com/Veraticus/expense-flow/internal/llm"
	"github.com/Veraticus/expense-flow/internal/matching"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
	"github.com/Veraticus/expense-flow/internal/similarity"
	"github.com/Veraticus/expense-flow/internal/vectordb"
)

// EnvPrefix prefixes environment overrides, e.g. EXPENSE_DATABASE_PATH.
const EnvPrefix = "EXPENSE"

// Config is the typed application configuration.
type Config struct {
	Logging   LoggingConfig  `mapstructure:"logging"`
	Database  DatabaseConfig `mapstructure:"database"`
	Receipts  ReceiptsConfig `mapstructure:"receipts"`
	Matching  MatchingConfig `mapstructure:"matching"`
	Cascade   CascadeConfig  `mapstructure:"cascade"`
	Learning  LearningConfig `mapstructure:"learning"`
	LLM       ProviderConfig `mapstructure:"llm"`
	Embedding ProviderConfig `mapstructure:"embedding"`
	VectorDB  VectorDBConfig `mapstructure:"vectordb"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ReceiptsConfig locates receipt files and sizes the backfill pool.
type ReceiptsConfig struct {
	Dir             string `mapstructure:"dir"`
	BackfillWorkers int    `mapstructure:"backfill_workers"`
}

// MatchingConfig holds scorer and proposal manager settings.
type MatchingConfig struct {
	AmountAbsTolerance   string `mapstructure:"amount_abs_tolerance"`
	AmountRelTolerance   string `mapstructure:"amount_rel_tolerance"`
	AutoProposeThreshold int    `mapstructure:"auto_propose_threshold"`
	DateWindowDays       int    `mapstructure:"date_window_days"`
	Workers              int    `mapstructure:"workers"`
}

// CascadeConfig holds categorization cascade settings.
type CascadeConfig struct {
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	NearMatchFloor      float64       `mapstructure:"near_match_floor"`
	SearchLimit         int           `mapstructure:"search_limit"`
	Workers             int           `mapstructure:"workers"`
	Retention           time.Duration `mapstructure:"unverified_retention"`
}

// LearningConfig holds the pattern classification cutoffs.
type LearningConfig struct {
	BusinessConfirmRate float64 `mapstructure:"business_confirm_rate"`
	BusinessMinSamples  int     `mapstructure:"business_min_samples"`
	PersonalRejectRate  float64 `mapstructure:"personal_reject_rate"`
	PersonalMinSamples  int     `mapstructure:"personal_min_samples"`
}

// ProviderConfig configures an external model provider.
type ProviderConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   int           `mapstructure:"rate_limit"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// VectorDBConfig selects the Tier-2 backend. An empty address keeps vectors in SQLite.
type VectorDBConfig struct {
	Address    string `mapstructure:"address"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
	VectorSize uint64 `mapstructure:"vector_size"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("database.path", defaultDataDir+"/expense.db")
	v.SetDefault("receipts.dir", defaultDataDir+"/receipts")
	v.SetDefault("receipts.backfill_workers", 4)

	v.SetDefault("matching.auto_propose_threshold", matching.DefaultAutoProposeThreshold)
	v.SetDefault("matching.date_window_days", 4)
	v.SetDefault("matching.amount_abs_tolerance", "1.00")
	v.SetDefault("matching.amount_rel_tolerance", "0.05")
	v.SetDefault("matching.workers", 4)

	opts := categorize.DefaultOptions()
	v.SetDefault("cascade.similarity_threshold", opts.SimilarityThreshold)
	v.SetDefault("cascade.near_match_floor", opts.NearMatchFloor)
	v.SetDefault("cascade.search_limit", opts.SearchLimit)
	v.SetDefault("cascade.workers", 4)
	v.SetDefault("cascade.unverified_retention", similarity.DefaultRetention)

	t := model.DefaultPatternThresholds()
	v.SetDefault("learning.business_confirm_rate", t.BusinessConfirmRate)
	v.SetDefault("learning.business_min_samples", t.BusinessMinSamples)
	v.SetDefault("learning.personal_reject_rate", t.PersonalRejectRate)
	v.SetDefault("learning.personal_min_samples", t.PersonalMinSamples)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.rate_limit", 60)
	v.SetDefault("llm.max_attempts", 3)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_attempts", 3)

	v.SetDefault("vectordb.collection", "expense_descriptions")
	v.SetDefault("vectordb.vector_size", 1536)
}

// New returns a viper instance with defaults and environment overrides applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadEnvFiles loads the first .env file found among paths. Missing files are ignored and
// variables already set in the environment win.
func LoadEnvFiles(paths ...string) {
	for _, p := range paths {
		if err := godotenv.Load(ExpandPath(p)); err == nil {
			return
		}
	}
}

// Load decodes v into a Config, fills provider API keys from their conventional
// environment variables and validates the result.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Receipts.Dir = ExpandPath(cfg.Receipts.Dir)
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv(apiKeyEnv(cfg.LLM.Provider))
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv(apiKeyEnv(cfg.Embedding.Provider))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func apiKeyEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "voyage":
		return "VOYAGE_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// Validate reports the first out-of-range setting.
func (c Config) Validate() error {
	switch {
	case c.Database.Path == "":
		return invalid("database.path is required")
	case c.Matching.AutoProposeThreshold < 0 || c.Matching.AutoProposeThreshold > model.MaxConfidence:
		return invalid("matching.auto_propose_threshold must be within 0-%d", model.MaxConfidence)
	case c.Matching.DateWindowDays < 0:
		return invalid("matching.date_window_days must not be negative")
	case c.Cascade.SimilarityThreshold <= 0 || c.Cascade.SimilarityThreshold > 1:
		return invalid("cascade.similarity_threshold must be within (0,1]")
	case c.Cascade.NearMatchFloor > c.Cascade.SimilarityThreshold:
		return invalid("cascade.near_match_floor must not exceed the similarity threshold")
	case c.Learning.BusinessConfirmRate <= 0 || c.Learning.BusinessConfirmRate > 1,
		c.Learning.PersonalRejectRate <= 0 || c.Learning.PersonalRejectRate > 1:
		return invalid("learning rates must be within (0,1]")
	}

	for name, s := range map[string]string{
		"matching.amount_abs_tolerance": c.Matching.AmountAbsTolerance,
		"matching.amount_rel_tolerance": c.Matching.AmountRelTolerance,
	} {
		d, err := decimal.NewFromString(s)
		if err != nil || d.IsNegative() {
			return invalid("%s must be a non-negative decimal, got %q", name, s)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// ScorerConfig returns the match scorer settings.
func (c MatchingConfig) ScorerConfig() matching.ScorerConfig {
	cfg := matching.DefaultScorerConfig()
	if d, err := decimal.NewFromString(c.AmountAbsTolerance); err == nil {
		cfg.AmountAbsTolerance = d
	}
	if d, err := decimal.NewFromString(c.AmountRelTolerance); err == nil {
		cfg.AmountRelTolerance = d
	}
	cfg.DateWindowDays = c.DateWindowDays
	return cfg
}

// ManagerConfig returns the proposal manager settings.
func (c MatchingConfig) ManagerConfig() matching.Config {
	return matching.Config{AutoProposeThreshold: c.AutoProposeThreshold, Workers: c.Workers}
}

// Options returns the cascade thresholds.
func (c CascadeConfig) Options() categorize.Options {
	return categorize.Options{
		SimilarityThreshold: c.SimilarityThreshold,
		NearMatchFloor:      c.NearMatchFloor,
		SearchLimit:         c.SearchLimit,
	}
}

// Thresholds returns the pattern classification cutoffs.
func (c LearningConfig) Thresholds() model.PatternThresholds {
	return model.PatternThresholds{
		BusinessConfirmRate: c.BusinessConfirmRate,
		BusinessMinSamples:  c.BusinessMinSamples,
		PersonalRejectRate:  c.PersonalRejectRate,
		PersonalMinSamples:  c.PersonalMinSamples,
	}
}

func (c ProviderConfig) retry() service.RetryOptions {
	opts := service.DefaultRetryOptions()
	if c.MaxAttempts > 0 {
		opts.MaxAttempts = c.MaxAttempts
	}
	return opts
}

// ClassifierConfig returns the Tier-3 classifier settings.
func (c ProviderConfig) ClassifierConfig() llm.Config {
	return llm.Config{
		Provider:    c.Provider,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		Retry:       c.retry(),
		Timeout:     c.Timeout,
		RateLimit:   c.RateLimit,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
}

// EmbeddingConfig returns the embedding provider settings.
func (c ProviderConfig) EmbeddingConfig() embedding.Config {
	return embedding.Config{
		Provider: c.Provider,
		APIKey:   c.APIKey,
		BaseURL:  c.BaseURL,
		Model:    c.Model,
		Timeout:  c.Timeout,
		Retry:    c.retry(),
	}
}

// Enabled reports whether a Qdrant backend is configured.
func (c VectorDBConfig) Enabled() bool { return c.Address != "" }

// QdrantConfig returns the Qdrant index settings.
func (c VectorDBConfig) QdrantConfig(retention time.Duration) vectordb.Config {
	return vectordb.Config{
		Address:    c.Address,
		APIKey:     c.APIKey,
		Collection: c.Collection,
		VectorSize: c.VectorSize,
		Retention:  retention,
	}
}
