package config

import (
	"time"

	"github.com/spf13/viper"
)

// EngineConfig holds the tunables for the reward engine: external sync
// retry behavior, reconciliation batching, and advisory lock timing.
type EngineConfig struct {
	SyncMaxAttempts    int
	SyncBaseDelay      time.Duration
	SyncSettleDelay    time.Duration
	SyncAttemptTimeout time.Duration
	ReconcileBatchSize int
	LockTTL            time.Duration
	LockWait           time.Duration
}

// LoadEngineConfig reads engine tunables from viper with defaults.
func LoadEngineConfig() *EngineConfig {
	viper.SetDefault("sync.max_attempts", 3)
	viper.SetDefault("sync.base_delay", 500*time.Millisecond)
	viper.SetDefault("sync.settle_delay", 750*time.Millisecond)
	viper.SetDefault("sync.attempt_timeout", 10*time.Second)
	viper.SetDefault("reconcile.batch_size", 100)
	viper.SetDefault("lock.ttl", 15*time.Second)
	viper.SetDefault("lock.wait", 5*time.Second)

	return &EngineConfig{
		SyncMaxAttempts:    viper.GetInt("sync.max_attempts"),
		SyncBaseDelay:      viper.GetDuration("sync.base_delay"),
		SyncSettleDelay:    viper.GetDuration("sync.settle_delay"),
		SyncAttemptTimeout: viper.GetDuration("sync.attempt_timeout"),
		ReconcileBatchSize: viper.GetInt("reconcile.batch_size"),
		LockTTL:            viper.GetDuration("lock.ttl"),
		LockWait:           viper.GetDuration("lock.wait"),
	}
}

// ProviderConfig holds the external loyalty provider connection settings.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// LoadProviderConfig reads provider settings from viper with defaults.
func LoadProviderConfig() *ProviderConfig {
	viper.SetDefault("provider.base_url", "http://localhost:9090")
	viper.SetDefault("provider.timeout", 10*time.Second)

	return &ProviderConfig{
		BaseURL: viper.GetString("provider.base_url"),
		APIKey:  viper.GetString("provider.api_key"),
		Timeout: viper.GetDuration("provider.timeout"),
	}
}
