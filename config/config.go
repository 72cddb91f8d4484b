package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentwatch-hq/agentwatch/models"
)

// Config holds all configuration for the governance service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// GraphConfig configures the step graph store and its primary Neo4j backend.
// An empty URI skips the primary entirely and runs on the in-process fallback.
type GraphConfig struct {
	Neo4jURI       string        `mapstructure:"neo4j_uri"`
	Neo4jUser      string        `mapstructure:"neo4j_user"`
	Neo4jPassword  string        `mapstructure:"neo4j_password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ExtractionConfig configures the remote entity-extraction service. An empty
// URL or key means the deterministic local fallback handles every call.
type ExtractionConfig struct {
	APIURL              string        `mapstructure:"api_url"`
	APIKey              string        `mapstructure:"api_key"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// PolicyConfig configures the remote semantic policy service plus the local
// fallback rules.
type PolicyConfig struct {
	APIURL             string              `mapstructure:"api_url"`
	APIKey             string              `mapstructure:"api_key"`
	MaxResults         int                 `mapstructure:"max_results"`
	Timeout            time.Duration       `mapstructure:"timeout"`
	SoftThresholdRatio float64             `mapstructure:"soft_threshold_ratio"`
	Defaults           models.PolicyRecord `mapstructure:"defaults"`
}

// GovernanceConfig contains pipeline tunables.
type GovernanceConfig struct {
	LoopWindow    int `mapstructure:"loop_window"`
	LoopThreshold int `mapstructure:"loop_threshold"`
}

// NotifierConfig configures the live feed, webhook dispatch and the optional
// Redis decision stream.
type NotifierConfig struct {
	FeedCapacity    int           `mapstructure:"feed_capacity"`
	SubscriberDepth int           `mapstructure:"subscriber_depth"`
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisStream     string        `mapstructure:"redis_stream"`
	RedisMaxLen     int64         `mapstructure:"redis_max_len"`
}

// LoadConfig reads configuration from an optional JSON file plus AGENTWATCH_*
// environment variables, falling back to defaults for everything else.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("graph.neo4j_uri", "")
	viper.SetDefault("graph.neo4j_user", "neo4j")
	viper.SetDefault("graph.neo4j_password", "")
	viper.SetDefault("graph.connect_timeout", 5*time.Second)
	viper.SetDefault("extraction.api_url", "")
	viper.SetDefault("extraction.api_key", "")
	viper.SetDefault("extraction.confidence_threshold", 0.3)
	viper.SetDefault("extraction.timeout", 10*time.Second)
	viper.SetDefault("policy.api_url", "")
	viper.SetDefault("policy.api_key", "")
	viper.SetDefault("policy.max_results", 3)
	viper.SetDefault("policy.timeout", 10*time.Second)
	viper.SetDefault("policy.soft_threshold_ratio", 0.8)
	viper.SetDefault("policy.defaults.budget_limit", 100000.0)
	viper.SetDefault("policy.defaults.restricted_tickers", []string{"GME", "AMC", "BBBY"})
	viper.SetDefault("policy.defaults.max_position_size", 1000)
	viper.SetDefault("policy.defaults.allowed_actions", []string{"BUY", "SELL", "HOLD", "RESEARCH"})
	viper.SetDefault("governance.loop_window", 5)
	viper.SetDefault("governance.loop_threshold", 3)
	viper.SetDefault("notifier.feed_capacity", 100)
	viper.SetDefault("notifier.subscriber_depth", 16)
	viper.SetDefault("notifier.webhook_timeout", 5*time.Second)
	viper.SetDefault("notifier.redis_addr", "")
	viper.SetDefault("notifier.redis_stream", "agentwatch:decisions")
	viper.SetDefault("notifier.redis_max_len", 10000)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("AGENTWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
