package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	GuardRedis  = "redis"
	GuardMemory = "memory"
)

// CreditsConfig holds the pricing and lifecycle settings of the credit engine.
type CreditsConfig struct {
	BaseRate            int64
	TranslationRate     int64
	ReservationTTL      time.Duration
	SweepInterval       time.Duration
	SweepBatchSize      int
	Guard               string
	HistoryDefaultLimit int
	HistoryMaxLimit     int
	InternalToken       string
}

func setCreditsDefaults() {
	viper.SetDefault("credits.base_rate", 10)
	viper.SetDefault("credits.translation_rate", 5)
	viper.SetDefault("credits.reservation_ttl", 30*time.Minute)
	viper.SetDefault("credits.sweep_interval", 2*time.Minute)
	viper.SetDefault("credits.sweep_batch_size", 100)
	viper.SetDefault("credits.guard", GuardRedis)
	viper.SetDefault("credits.history_default_limit", 20)
	viper.SetDefault("credits.history_max_limit", 100)
	viper.SetDefault("credits.internal_token", "")
}

// LoadCreditsConfig reads the credits.* keys, falling back to defaults for
// missing or nonsensical values.
func LoadCreditsConfig() *CreditsConfig {
	setCreditsDefaults()

	cfg := &CreditsConfig{
		BaseRate:            viper.GetInt64("credits.base_rate"),
		TranslationRate:     viper.GetInt64("credits.translation_rate"),
		ReservationTTL:      viper.GetDuration("credits.reservation_ttl"),
		SweepInterval:       viper.GetDuration("credits.sweep_interval"),
		SweepBatchSize:      viper.GetInt("credits.sweep_batch_size"),
		Guard:               viper.GetString("credits.guard"),
		HistoryDefaultLimit: viper.GetInt("credits.history_default_limit"),
		HistoryMaxLimit:     viper.GetInt("credits.history_max_limit"),
		InternalToken:       viper.GetString("credits.internal_token"),
	}
	cfg.normalize()
	return cfg
}

// DefaultCreditsConfig returns the built-in settings without touching viper.
func DefaultCreditsConfig() *CreditsConfig {
	return &CreditsConfig{
		BaseRate:            10,
		TranslationRate:     5,
		ReservationTTL:      30 * time.Minute,
		SweepInterval:       2 * time.Minute,
		SweepBatchSize:      100,
		Guard:               GuardMemory,
		HistoryDefaultLimit: 20,
		HistoryMaxLimit:     100,
	}
}

func (c *CreditsConfig) normalize() {
	d := DefaultCreditsConfig()
	if c.BaseRate < 0 {
		c.BaseRate = d.BaseRate
	}
	if c.TranslationRate < 0 {
		c.TranslationRate = d.TranslationRate
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = d.ReservationTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.Guard != GuardRedis && c.Guard != GuardMemory {
		c.Guard = GuardRedis
	}
	if c.HistoryMaxLimit <= 0 {
		c.HistoryMaxLimit = d.HistoryMaxLimit
	}
	if c.HistoryDefaultLimit <= 0 || c.HistoryDefaultLimit > c.HistoryMaxLimit {
		c.HistoryDefaultLimit = min(d.HistoryDefaultLimit, c.HistoryMaxLimit)
	}
}
