package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Curve shapes for saturating score components.
const (
	ShapeStep   = "step"
	ShapeLinear = "linear"
	ShapeLog    = "log"
)

// Strategy names.
const (
	StrategyGated  = "gated"
	StrategyRanked = "ranked"
)

// Analysis providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config holds application configuration.
type Config struct {
	Gate1    Gate1Config    `json:"gate1" yaml:"gate1"`
	Gate2    Gate2Config    `json:"gate2" yaml:"gate2"`
	Ranked   RankedConfig   `json:"ranked" yaml:"ranked"`
	Scoring  ScoringConfig  `json:"scoring" yaml:"scoring"`
	Health   HealthConfig   `json:"health" yaml:"health"`
	Trend    TrendConfig    `json:"trend" yaml:"trend"`
	History  HistoryConfig  `json:"history" yaml:"history"`
	Budget   BudgetConfig   `json:"budget" yaml:"budget"`
	Retry    RetryConfig    `json:"retry" yaml:"retry"`
	Parallel ParallelConfig `json:"concurrency" yaml:"concurrency"`
	Rate     RateConfig     `json:"rate_limit" yaml:"rate_limit"`
	Batch    BatchConfig    `json:"batch" yaml:"batch"`
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Watch    WatchConfig    `json:"watch" yaml:"watch"`

	// DBMaxOpenConns limits open database connections. 0 means sql.DB default.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty" yaml:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits idle database connections. 0 means sql.DB default.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty" yaml:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`

	// AllowedPaths lists extra directories for uploads, exports and reports.
	// Only absolute paths count. ~/.casegate/exports is always allowed.
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`

	// AllowUnsafePaths skips the directory restriction. Symlinks are still rejected.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty" yaml:"allow_unsafe_paths,omitempty"`
}

// Gate1Config admits cases on either frustration signal.
type Gate1Config struct {
	AvgThreshold  float64 `json:"avg_threshold" yaml:"avg_threshold"`
	PeakThreshold int     `json:"peak_threshold" yaml:"peak_threshold"`
}

// Gate2Config admits cases to timeline analysis.
type Gate2Config struct {
	CriticalityThreshold float64 `json:"criticality_threshold" yaml:"criticality_threshold"`
}

// RankedConfig sizes the rank-and-slice strategy.
type RankedConfig struct {
	TopK int `json:"top_k" yaml:"top_k"`
	TopM int `json:"top_m" yaml:"top_m"`
}

// Step awards Points once the input reaches At.
type Step struct {
	At     float64 `json:"at" yaml:"at"`
	Points float64 `json:"points" yaml:"points"`
}

// Curve maps a non-negative input onto [0, Max].
//
// step:   points of the highest step whose At <= input
// linear: Max * input / Cap, saturating at Cap
// log:    Max * ln(1+input) / ln(1+Cap), saturating at Cap
type Curve struct {
	Shape string  `json:"shape" yaml:"shape"`
	Steps []Step  `json:"steps,omitempty" yaml:"steps,omitempty"`
	Cap   float64 `json:"cap,omitempty" yaml:"cap,omitempty"`
	Max   float64 `json:"max" yaml:"max"`
}

// ScoringConfig holds the per-component ceilings and lookup tables.
type ScoringConfig struct {
	FrustrationMax     float64            `json:"frustration_max" yaml:"frustration_max"`
	FrustratedMinScore int                `json:"frustrated_min_score" yaml:"frustrated_min_score"`
	SeverityMax        float64            `json:"severity_max" yaml:"severity_max"`
	Severity           map[string]float64 `json:"severity" yaml:"severity"`
	SeverityFallback   string             `json:"severity_fallback" yaml:"severity_fallback"`
	IssueClassMax      float64            `json:"issue_class_max" yaml:"issue_class_max"`
	IssueClass         map[string]float64 `json:"issue_class" yaml:"issue_class"`
	IssueClassFallback string             `json:"issue_class_fallback" yaml:"issue_class_fallback"`
	ResolutionMax      float64            `json:"resolution_max" yaml:"resolution_max"`
	Resolution         map[string]float64 `json:"resolution" yaml:"resolution"`
	SupportTierMax     float64            `json:"support_tier_max" yaml:"support_tier_max"`
	SupportTier        map[string]float64 `json:"support_tier" yaml:"support_tier"`
	Volume             Curve              `json:"volume" yaml:"volume"`
	Age                Curve              `json:"age" yaml:"age"`
	Engagement         Curve              `json:"engagement" yaml:"engagement"`
	QuickBonusMax      float64            `json:"quick_bonus_max" yaml:"quick_bonus_max"`
	Priority           map[string]float64 `json:"priority" yaml:"priority"`
	TimelineBonusMax   float64            `json:"timeline_bonus_max" yaml:"timeline_bonus_max"`
}

// HealthConfig shapes the 0-100 account health score and its buckets.
// A score equal to a bound belongs to the healthier bucket.
type HealthConfig struct {
	CriticalityWeight float64 `json:"criticality_weight" yaml:"criticality_weight"`
	CriticalityCap    float64 `json:"criticality_cap" yaml:"criticality_cap"`
	VelocityWeight    float64 `json:"velocity_weight" yaml:"velocity_weight"`
	VelocityCap       float64 `json:"velocity_cap" yaml:"velocity_cap"`
	HealthyMin        float64 `json:"healthy_min" yaml:"healthy_min"`
	ModerateMin       float64 `json:"moderate_min" yaml:"moderate_min"`
	AtRiskMin         float64 `json:"at_risk_min" yaml:"at_risk_min"`
	CriticalLoadMin   float64 `json:"critical_load_min" yaml:"critical_load_min"`
	// CatastrophicMin marks cases that override the account's share components.
	CatastrophicMin float64 `json:"catastrophic_min" yaml:"catastrophic_min"`
	// ConcerningMin and ClusterLookbackDays drive the clustering penalty.
	ConcerningMin       float64 `json:"concerning_min" yaml:"concerning_min"`
	ClusterLookbackDays int     `json:"cluster_lookback_days" yaml:"cluster_lookback_days"`
}

// TrendConfig controls recent-vs-historical frustration comparison.
type TrendConfig struct {
	WindowDays int     `json:"window_days" yaml:"window_days"`
	Threshold  float64 `json:"threshold" yaml:"threshold"`
}

// HistoryConfig tunes ownership inference and history rendering.
type HistoryConfig struct {
	// VendorName marks support-side messages when it appears in the sender or text.
	VendorName string `json:"vendor_name,omitempty" yaml:"vendor_name,omitempty"`
	// MessageChars caps a single rendered message.
	MessageChars int `json:"message_chars" yaml:"message_chars"`
}

// BudgetConfig holds character budgets for deep-analysis submissions.
type BudgetConfig struct {
	TimelineChars int `json:"timeline_chars" yaml:"timeline_chars"`
	QuickChars    int `json:"quick_chars" yaml:"quick_chars"`
	SummaryChars  int `json:"summary_chars" yaml:"summary_chars"`
}

// RetryConfig bounds adapter retries.
type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64  `json:"multiplier" yaml:"multiplier"`
}

// ParallelConfig bounds fan-out.
type ParallelConfig struct {
	Cases    int `json:"cases" yaml:"cases"`
	Messages int `json:"messages" yaml:"messages"`
}

// RateConfig is a token bucket shared by all adapter calls. RPS 0 disables limiting.
type RateConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
}

// BatchConfig controls a whole batch run.
type BatchConfig struct {
	Strategy string   `json:"strategy" yaml:"strategy"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

// AnalysisConfig selects and configures the analysis provider.
type AnalysisConfig struct {
	Provider        string `json:"provider" yaml:"provider"`
	ClassifierModel string `json:"classifier_model" yaml:"classifier_model"`
	AnalyzerModel   string `json:"analyzer_model" yaml:"analyzer_model"`
	BaseURL         string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxTokens       int    `json:"max_tokens" yaml:"max_tokens"`

	// APIKey is only ever read from the environment.
	APIKey string `json:"-" yaml:"-"`
}

// LogConfig controls slog setup.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// WatchConfig drives the scheduled inbox runner.
type WatchConfig struct {
	Schedule string `json:"schedule" yaml:"schedule"`
	Inbox    string `json:"inbox,omitempty" yaml:"inbox,omitempty"`
}

// Duration is a time.Duration that reads "1s"-style strings from JSON and YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\" or nanoseconds: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Gate1:  Gate1Config{AvgThreshold: 3.0, PeakThreshold: 6},
		Gate2:  Gate2Config{CriticalityThreshold: 175},
		Ranked: RankedConfig{TopK: 25, TopM: 10},
		Scoring: ScoringConfig{
			FrustrationMax:     100,
			FrustratedMinScore: 4,
			SeverityMax:        35,
			Severity:           map[string]float64{"S1": 35, "S2": 25, "S3": 15, "S4": 5},
			SeverityFallback:   "S4",
			IssueClassMax:      30,
			IssueClass:         map[string]float64{"Systemic": 30, "Environmental": 15, "Component": 10, "Procedural": 5},
			IssueClassFallback: "Procedural",
			ResolutionMax:      15,
			Resolution:         map[string]float64{"Challenging": 15, "Manageable": 8, "Straightforward": 0},
			SupportTierMax:     10,
			SupportTier:        map[string]float64{"Gold": 10, "Silver": 5, "Bronze": 0},
			Volume: Curve{Shape: ShapeStep, Max: 30, Steps: []Step{
				{At: 0, Points: 5}, {At: 6, Points: 10}, {At: 11, Points: 20}, {At: 21, Points: 30},
			}},
			Age: Curve{Shape: ShapeStep, Max: 10, Cap: 90, Steps: []Step{
				{At: 14, Points: 3}, {At: 30, Points: 5}, {At: 60, Points: 7}, {At: 90, Points: 10},
			}},
			Engagement: Curve{Shape: ShapeStep, Max: 15, Cap: 0.7, Steps: []Step{
				{At: 0.3, Points: 5}, {At: 0.5, Points: 10}, {At: 0.7, Points: 15},
			}},
			QuickBonusMax:    120,
			Priority:         map[string]float64{"Critical": 20, "High": 10, "Medium": 5, "Low": 0},
			TimelineBonusMax: 10,
		},
		Health: HealthConfig{
			CriticalityWeight: 0.3,
			CriticalityCap:    70,
			VelocityWeight:    5,
			VelocityCap:       30,
			HealthyMin:        70,
			ModerateMin:       50,
			AtRiskMin:         30,
			CriticalLoadMin:   180,

			CatastrophicMin:     200,
			ConcerningMin:       140,
			ClusterLookbackDays: 60,
		},
		Trend:    TrendConfig{WindowDays: 14, Threshold: 1.0},
		History:  HistoryConfig{MessageChars: 2000},
		Budget:   BudgetConfig{TimelineChars: 300000, QuickChars: 12000, SummaryChars: 25000},
		Retry:    RetryConfig{MaxAttempts: 3, InitialBackoff: Duration(time.Second), MaxBackoff: Duration(10 * time.Second), Multiplier: 2},
		Parallel: ParallelConfig{Cases: 4, Messages: 8},
		Rate:     RateConfig{RPS: 5, Burst: 5},
		Batch:    BatchConfig{Strategy: StrategyGated, Timeout: Duration(30 * time.Minute)},
		Analysis: AnalysisConfig{
			Provider:        ProviderAnthropic,
			ClassifierModel: "claude-3-5-haiku-latest",
			AnalyzerModel:   "claude-sonnet-4-5",
			MaxTokens:       4096,
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Watch: WatchConfig{Schedule: "*/15 * * * *"},
	}
}

// Load reads configuration from baseDir.
//
// Order: defaults, config.json, config.yaml, then .env / process environment.
// Each file only overrides the keys it sets. Missing files are skipped.
// The result is validated; an invalid config returns an INVALID_CONFIG error.
func Load(baseDir string) (*Config, error) {
	cfg := DefaultConfig()

	if err := overlayFile(filepath.Join(baseDir, "config.json"), cfg, json.Unmarshal); err != nil {
		return nil, fmt.Errorf("config.json: %w", err)
	}
	if err := overlayFile(filepath.Join(baseDir, "config.yaml"), cfg, yaml.Unmarshal); err != nil {
		return nil, fmt.Errorf("config.yaml: %w", err)
	}

	if err := loadDotenv(filepath.Join(baseDir, ".env")); err != nil {
		return nil, fmt.Errorf(".env: %w", err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFile decodes path on top of cfg. Lookup tables merge key by key.
func overlayFile(path string, cfg *Config, unmarshal func([]byte, any) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return unmarshal(data, cfg)
}

// loadDotenv loads path into the process environment without overriding
// variables that are already set.
func loadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func applyEnv(cfg *Config) {
	if p := strings.TrimSpace(os.Getenv("CASEGATE_PROVIDER")); p != "" {
		cfg.Analysis.Provider = strings.ToLower(p)
	}
	if u := strings.TrimSpace(os.Getenv("CASEGATE_BASE_URL")); u != "" {
		cfg.Analysis.BaseURL = u
	}
	if lvl := strings.TrimSpace(os.Getenv("CASEGATE_LOG_LEVEL")); lvl != "" {
		cfg.Log.Level = lvl
	}
	if tools := os.Getenv("CASEGATE_DISABLED_TOOLS"); tools != "" {
		cfg.DisabledTools = MergeDisabledTools(cfg.DisabledTools, strings.Split(tools, ","))
	}

	switch cfg.Analysis.Provider {
	case ProviderOpenAI:
		cfg.Analysis.APIKey = os.Getenv("OPENAI_API_KEY")
	default:
		cfg.Analysis.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

// MergeDisabledTools combines two tool lists, trims whitespace, and removes duplicates.
func MergeDisabledTools(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s != "" && !seen[s] {
				seen[s] = true
				result = append(result, s)
			}
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
