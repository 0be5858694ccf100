// Package config layers process configuration the way the rest of this
// repo's corpus does for anything with more shape than a single scalar:
// environment variables first, an optional config file second, and
// hardcoded defaults as the final fallback. Simple scalars (ports, DSNs)
// are still read directly via os.Getenv at their call sites, matching the
// teacher's own mix of raw env lookups alongside structured config.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every knob the actors and messaging layer need that is
// richer than a single scalar: retry curves, queue timing, circuit breaker
// thresholds, and actor poll intervals.
type Config struct {
	DefaultRetryBaseSeconds int
	DefaultRetryMaxSeconds  int
	DefaultRetryJitterFrac  float64

	QueueVisibilityTimeout time.Duration
	QueueClaimBatchSize    int
	QueueMaxDeliveryCount  int

	ActorPollInterval time.Duration

	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
	BreakerFailureThreshold float64

	ActorRuntime string // "native" or "temporal"
}

// Load builds a Config from (in priority order) environment variables
// prefixed TASKFLOW_, an optional config file named by TASKFLOW_CONFIG_FILE,
// and built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("taskflow")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("retry.base_seconds", 1)
	v.SetDefault("retry.max_seconds", 30)
	v.SetDefault("retry.jitter_frac", 0.2)

	v.SetDefault("queue.visibility_timeout", "30s")
	v.SetDefault("queue.claim_batch_size", 25)
	v.SetDefault("queue.max_delivery_count", 5)

	v.SetDefault("actor.poll_interval", "1s")
	v.SetDefault("actor.runtime", "native")

	v.SetDefault("breaker.max_requests", 1)
	v.SetDefault("breaker.interval", "60s")
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("breaker.failure_threshold", 0.6)

	if cfgFile := v.GetString("config_file"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return &Config{
		DefaultRetryBaseSeconds: v.GetInt("retry.base_seconds"),
		DefaultRetryMaxSeconds:  v.GetInt("retry.max_seconds"),
		DefaultRetryJitterFrac:  v.GetFloat64("retry.jitter_frac"),

		QueueVisibilityTimeout: v.GetDuration("queue.visibility_timeout"),
		QueueClaimBatchSize:    v.GetInt("queue.claim_batch_size"),
		QueueMaxDeliveryCount:  v.GetInt("queue.max_delivery_count"),

		ActorPollInterval: v.GetDuration("actor.poll_interval"),
		ActorRuntime:      v.GetString("actor.runtime"),

		BreakerMaxRequests:      uint32(v.GetInt("breaker.max_requests")),
		BreakerInterval:         v.GetDuration("breaker.interval"),
		BreakerTimeout:          v.GetDuration("breaker.timeout"),
		BreakerFailureThreshold: v.GetFloat64("breaker.failure_threshold"),
	}, nil
}
