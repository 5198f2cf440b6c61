// Package config loads and validates harvester configuration via Viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Filters   FilterConfig    `mapstructure:"filters"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Session   SessionConfig   `mapstructure:"session"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Patterns  PatternsConfig  `mapstructure:"patterns"`
	Blocklist BlocklistConfig `mapstructure:"blocklist"`
}

// ServerConfig controls the control API listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// HarvestConfig governs the discovery and download pipelines.
type HarvestConfig struct {
	Seeds               []string `mapstructure:"seeds"`
	MaxDepth            int      `mapstructure:"max_depth"`
	DiscoveryWorkers    int      `mapstructure:"discovery_workers"`
	DownloadWorkers     int      `mapstructure:"download_workers"`
	MaxAttempts         int      `mapstructure:"max_attempts"`
	StayInDomain        bool     `mapstructure:"stay_in_domain"`
	RequeueQuarantined  bool     `mapstructure:"requeue_quarantined"`
	RequeueDelaySeconds int      `mapstructure:"requeue_delay_seconds"`
	ScriptHeuristics    bool     `mapstructure:"script_heuristics"`
	QuarantineThreshold int      `mapstructure:"quarantine_threshold"`
	UserAgent           string   `mapstructure:"user_agent"`
	AcceptLanguage      string   `mapstructure:"accept_language"`
	ReferrerPolicy      string   `mapstructure:"referrer_policy"`
}

// HTTPConfig configures outbound request behavior.
type HTTPConfig struct {
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
	PerDomainConcurrency int     `mapstructure:"per_domain_concurrency"`
	PerDomainRPS         float64 `mapstructure:"per_domain_rps"`
}

// FilterConfig rejects small or unwanted media before it reaches storage.
type FilterConfig struct {
	MinImageWidth     int      `mapstructure:"min_image_width"`
	MinImageHeight    int      `mapstructure:"min_image_height"`
	MinImageKB        int      `mapstructure:"min_image_kb"`
	MinVideoKB        int      `mapstructure:"min_video_kb"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	StopWords         []string `mapstructure:"stop_words"`
}

// StorageConfig selects and configures the media store.
type StorageConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// SessionConfig selects and configures snapshot persistence.
type SessionConfig struct {
	Provider string `mapstructure:"provider"`
	Dir      string `mapstructure:"dir"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
}

// PubSubConfig holds metadata for progress event publication.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PatternsConfig points at the site pattern catalog.
type PatternsConfig struct {
	Path string `mapstructure:"path"`
}

// BlocklistConfig points at the domain blocklist file.
type BlocklistConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds a Config from disk and environment. Environment variables use
// the HARVESTER prefix, e.g. HARVESTER_HARVEST_MAX_DEPTH=5.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &harvest.ConfigError{Field: "file", Msg: err.Error()}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &harvest.ConfigError{Field: "file", Msg: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("harvest.max_depth", 3)
	v.SetDefault("harvest.discovery_workers", 2)
	v.SetDefault("harvest.download_workers", 4)
	v.SetDefault("harvest.max_attempts", 3)
	v.SetDefault("harvest.stay_in_domain", true)
	v.SetDefault("harvest.requeue_quarantined", true)
	v.SetDefault("harvest.requeue_delay_seconds", 30)
	v.SetDefault("harvest.script_heuristics", false)
	v.SetDefault("harvest.quarantine_threshold", 5)
	v.SetDefault("harvest.user_agent", "MediaHarvester/1.0 (+https://github.com/mediaharvest/harvester)")
	v.SetDefault("harvest.accept_language", "en-US,en;q=0.9")
	v.SetDefault("harvest.referrer_policy", "auto")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.per_domain_concurrency", 2)
	v.SetDefault("http.per_domain_rps", 2.0)
	v.SetDefault("filters.min_image_width", 100)
	v.SetDefault("filters.min_image_height", 100)
	v.SetDefault("filters.min_image_kb", 5)
	v.SetDefault("filters.min_video_kb", 50)
	v.SetDefault("filters.stop_words", []string{
		"logout", "signout", "signin", "login", "register",
		"unsubscribe", "delete", "remove",
	})
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "data/media")
	v.SetDefault("storage.prefix", "harvests")
	v.SetDefault("session.provider", "file")
	v.SetDefault("session.dir", "data/sessions")
	v.SetDefault("session.table", "harvest_sessions")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return &harvest.ConfigError{Field: "server.port", Msg: "must be > 0"}
	}
	if c.Harvest.MaxDepth < 0 {
		return &harvest.ConfigError{Field: "harvest.max_depth", Msg: "must be >= 0"}
	}
	if c.Harvest.DiscoveryWorkers <= 0 {
		return &harvest.ConfigError{Field: "harvest.discovery_workers", Msg: "must be > 0"}
	}
	if c.Harvest.DownloadWorkers <= 0 {
		return &harvest.ConfigError{Field: "harvest.download_workers", Msg: "must be > 0"}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return &harvest.ConfigError{Field: "http.timeout_seconds", Msg: "must be > 0"}
	}
	switch c.Harvest.ReferrerPolicy {
	case "auto", "origin", "none":
	default:
		return &harvest.ConfigError{Field: "harvest.referrer_policy", Msg: "must be auto, origin, or none"}
	}
	switch c.Storage.Provider {
	case "local":
		if c.Storage.BaseDir == "" {
			return &harvest.ConfigError{Field: "storage.base_dir", Msg: "required for the local provider"}
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return &harvest.ConfigError{Field: "storage.bucket", Msg: "required for the gcs provider"}
		}
	default:
		return &harvest.ConfigError{Field: "storage.provider", Msg: "must be local or gcs"}
	}
	switch c.Session.Provider {
	case "file":
		if c.Session.Dir == "" {
			return &harvest.ConfigError{Field: "session.dir", Msg: "required for the file provider"}
		}
	case "postgres":
		if c.Session.DSN == "" {
			return &harvest.ConfigError{Field: "session.dsn", Msg: "required for the postgres provider"}
		}
	case "none":
	default:
		return &harvest.ConfigError{Field: "session.provider", Msg: "must be file, postgres, or none"}
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return &harvest.ConfigError{Field: "pubsub.project_id", Msg: "project_id and topic_id required when pubsub is enabled"}
	}
	return nil
}

// ToSettings converts the loaded config into per-run settings.
func (c Config) ToSettings() harvest.Settings {
	return harvest.Settings{
		MaxDepth:             c.Harvest.MaxDepth,
		DiscoveryWorkers:     c.Harvest.DiscoveryWorkers,
		DownloadWorkers:      c.Harvest.DownloadWorkers,
		MaxAttempts:          c.Harvest.MaxAttempts,
		StayInDomain:         c.Harvest.StayInDomain,
		RequeueQuarantined:   c.Harvest.RequeueQuarantined,
		RequeueDelay:         time.Duration(c.Harvest.RequeueDelaySeconds) * time.Second,
		ScriptHeuristics:     c.Harvest.ScriptHeuristics,
		MinImageWidth:        c.Filters.MinImageWidth,
		MinImageHeight:       c.Filters.MinImageHeight,
		MinImageKB:           c.Filters.MinImageKB,
		MinVideoKB:           c.Filters.MinVideoKB,
		AllowedExtensions:    c.Filters.AllowedExtensions,
		StopWords:            c.Filters.StopWords,
		UserAgent:            c.Harvest.UserAgent,
		AcceptLanguage:       c.Harvest.AcceptLanguage,
		ReferrerPolicy:       c.Harvest.ReferrerPolicy,
		RequestTimeout:       time.Duration(c.HTTP.TimeoutSeconds) * time.Second,
		PerDomainConcurrency: c.HTTP.PerDomainConcurrency,
		PerDomainRPS:         c.HTTP.PerDomainRPS,
	}
}
