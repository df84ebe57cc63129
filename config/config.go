package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	ShadowScan ShadowScanConfig `yaml:"shadowscan"`
}

// ShadowScanConfig is the project configuration.
type ShadowScanConfig struct {
	Store      StoreConfig      `yaml:"store"`
	Normalize  NormalizeConfig  `yaml:"normalize"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Rules      RulesConfig      `yaml:"rules"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy"`
	LLM        LLMConfig        `yaml:"llm"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig controls the canonical store.
type StoreConfig struct {
	Path          string        `yaml:"path"`
	WorkDir       string        `yaml:"work_dir"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueDepth    int           `yaml:"queue_depth"`
}

// NormalizeConfig controls URL canonicalization.
type NormalizeConfig struct {
	PSLPath        string   `yaml:"psl_path"`
	SchemeVersion  string   `yaml:"signature_version"`
	DropKeysExact  []string `yaml:"drop_keys_exact"`
	DropKeysPrefix []string `yaml:"drop_keys_prefix"`
	KeepKeys       []string `yaml:"keep_keys_whitelist"`
}

// ThresholdsConfig controls A/B/C candidate selection.
type ThresholdsConfig struct {
	AMinBytesSent      int64         `yaml:"a_min_bytes_sent"`
	BBurstWindow       time.Duration `yaml:"b_burst_window"`
	BBurstCount        int           `yaml:"b_burst_count"`
	BCumulativeBytes   int64         `yaml:"b_cumulative_bytes"`
	BHighRiskCats      []string      `yaml:"b_high_risk_categories"`
	WriteMethods       []string      `yaml:"write_methods"`
	CSampleRate        float64       `yaml:"c_sample_rate"`
	ActionFilter       string        `yaml:"action_filter"`
	BytesBuckets       []BytesBucket `yaml:"bytes_buckets"`
	ParseErrorMaxRatio float64       `yaml:"parse_error_max_ratio"`
}

// BytesBucket labels a bytes_sent range for signature derivation.
type BytesBucket struct {
	Name string `yaml:"name"`
	Min  int64  `yaml:"min"`
	Max  int64  `yaml:"max"`
}

// RulesConfig controls the declarative rule classifier.
type RulesConfig struct {
	Path    string `yaml:"path"`
	Version string `yaml:"version"`
}

// TaxonomyConfig controls the pinned taxonomy artifact.
type TaxonomyConfig struct {
	CacheDir      string `yaml:"cache_dir"`
	Version       string `yaml:"version"`
	PinnedCommit  string `yaml:"pinned_commit"`
	PinnedDirHash string `yaml:"pinned_dir_sha256"`
}

// LLMConfig controls the batched external analyzer.
type LLMConfig struct {
	Provider         string        `yaml:"provider"`
	Endpoint         string        `yaml:"endpoint"`
	Model            string        `yaml:"model"`
	PromptVersion    string        `yaml:"prompt_version"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BatchMin         int           `yaml:"batch_min"`
	BatchMax         int           `yaml:"batch_max"`
	BatchCharBudget  int           `yaml:"batch_char_budget"`
	DailyBudgetUSD   float64       `yaml:"daily_budget_usd"`
	InputPer1MUSD    float64       `yaml:"input_per_1m_tokens_usd"`
	OutputPer1MUSD   float64       `yaml:"output_per_1m_tokens_usd"`
	EstimationBuffer float64       `yaml:"estimation_buffer"`
	PriorityOrder    []string      `yaml:"priority_order"`
}

// PipelineConfig controls worker pools and stage deadlines.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	StageDeadline time.Duration `yaml:"stage_deadline"`
}

// MirrorConfig controls the optional Redis classification mirror.
type MirrorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
