package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TimelineConfig tunes normalization and presentation of the activity feed.
type TimelineConfig struct {
	PageSize          int           `mapstructure:"pageSize"`
	SystemActors      []string      `mapstructure:"systemActors"`
	NotePlaceholders  []string      `mapstructure:"notePlaceholders"`
	DocumentPrefixes  []string      `mapstructure:"documentPrefixes"`
	ConfirmRetryDelay time.Duration `mapstructure:"confirmRetryDelay"`
}

func DefaultTimelineConfig() TimelineConfig {
	return TimelineConfig{
		PageSize:         15,
		SystemActors:     []string{"system", "automation", "système"},
		NotePlaceholders: []string{"note added", "note ajoutée"},
		DocumentPrefixes: []string{
			"document attached:",
			"document ajouté :",
			"document ajouté:",
		},
		ConfirmRetryDelay: 5 * time.Second,
	}
}

type TimelineConfigHolder struct {
	current atomic.Value // holds TimelineConfig
}

// NewStaticTimelineConfigHolder returns a holder that never reloads.
func NewStaticTimelineConfigHolder(cfg TimelineConfig) *TimelineConfigHolder {
	holder := &TimelineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewTimelineConfigHolder(appCfg Config, log *zap.Logger) (*TimelineConfigHolder, error) {
	v := viper.New()

	if appCfg.TimelineConfig != "" {
		v.SetConfigFile(appCfg.TimelineConfig)
	} else {
		v.SetConfigName("timeline")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/worksite")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WORKSITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTimelineConfig()
	v.SetDefault("timeline.pageSize", defaults.PageSize)
	v.SetDefault("timeline.systemActors", defaults.SystemActors)
	v.SetDefault("timeline.notePlaceholders", defaults.NotePlaceholders)
	v.SetDefault("timeline.documentPrefixes", defaults.DocumentPrefixes)
	v.SetDefault("timeline.confirmRetryDelay", defaults.ConfirmRetryDelay)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg TimelineConfig
	if err := v.UnmarshalKey("timeline", &cfg); err != nil {
		return nil, err
	}
	if err := validateTimelineConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticTimelineConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	log = log.Named("timeline.config")
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated TimelineConfig
		if err := v.UnmarshalKey("timeline", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := validateTimelineConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *TimelineConfigHolder) Get() TimelineConfig {
	return h.current.Load().(TimelineConfig)
}

func validateTimelineConfig(cfg TimelineConfig) error {
	if cfg.PageSize <= 0 {
		return errors.New("timeline.pageSize must be positive")
	}
	if len(cfg.SystemActors) == 0 {
		return errors.New("timeline.systemActors cannot be empty")
	}
	if cfg.ConfirmRetryDelay < 0 {
		return errors.New("timeline.confirmRetryDelay cannot be negative")
	}
	return nil
}
