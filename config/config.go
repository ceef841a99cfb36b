package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"swarmq/log"
)

// Config holds the engine configuration, loaded from defaults, an optional
// swarmq.yaml, and SWARMQ_* environment variables.
type Config struct {
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Swarm     SwarmConfig
	Providers ProvidersConfig
	Store     StoreConfig
	Events    EventsConfig
}

type QueueConfig struct {
	// WorkerCount bounds the number of concurrently running jobs.
	WorkerCount int
	// MaxRetries is the default retry budget for jobs that do not set one.
	MaxRetries int
	// BaseBackoff and MaxBackoff bound the exponential retry delay.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Retention is how long terminal jobs stay in memory before eviction.
	Retention time.Duration
	// AttemptTimeout bounds one full executor invocation, failovers included.
	AttemptTimeout time.Duration
}

type SchedulerConfig struct {
	TickInterval time.Duration
}

type SwarmConfig struct {
	// ConfirmTimeout bounds the wait for a confirmation gate response.
	ConfirmTimeout time.Duration
	// RejectionFatal fails the whole attempt when a gated write is rejected.
	RejectionFatal bool
}

type ProvidersConfig struct {
	// Ranking is the default failover order of provider ids.
	Ranking   []string
	OpenAI    ProviderCredentials
	Anthropic ProviderCredentials
}

type ProviderCredentials struct {
	APIKey  string
	BaseURL string
	Model   string
}

type StoreConfig struct {
	// Path is the sqlite database file. Empty selects the in-memory store.
	Path string
}

type EventsConfig struct {
	// HistorySize is the per-bus ring buffer used for mid-run resync.
	HistorySize int
	// ListenAddr is the websocket sink's listen address. Empty disables it.
	ListenAddr string
}

// Load reads the configuration. Missing files are not an error; the result
// always carries usable defaults.
func Load(path string) *Config {
	v := viper.New()

	v.SetDefault("queue.worker_count", 4)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.base_backoff", time.Second)
	v.SetDefault("queue.max_backoff", 5*time.Minute)
	v.SetDefault("queue.retention", time.Hour)
	v.SetDefault("queue.attempt_timeout", 10*time.Minute)
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("swarm.confirm_timeout", 2*time.Minute)
	v.SetDefault("swarm.rejection_fatal", false)
	v.SetDefault("providers.ranking", []string{"anthropic", "openai"})
	v.SetDefault("providers.openai.model", "gpt-4o")
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-5-20250514")
	v.SetDefault("store.path", "")
	v.SetDefault("events.history_size", 500)
	v.SetDefault("events.listen_addr", "")

	v.SetEnvPrefix("SWARMQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("swarmq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.swarmq")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			log.WarningLog.Printf("failed to read config file: %v", err)
		}
	}

	return &Config{
		Queue: QueueConfig{
			WorkerCount:    v.GetInt("queue.worker_count"),
			MaxRetries:     v.GetInt("queue.max_retries"),
			BaseBackoff:    v.GetDuration("queue.base_backoff"),
			MaxBackoff:     v.GetDuration("queue.max_backoff"),
			Retention:      v.GetDuration("queue.retention"),
			AttemptTimeout: v.GetDuration("queue.attempt_timeout"),
		},
		Scheduler: SchedulerConfig{
			TickInterval: v.GetDuration("scheduler.tick_interval"),
		},
		Swarm: SwarmConfig{
			ConfirmTimeout: v.GetDuration("swarm.confirm_timeout"),
			RejectionFatal: v.GetBool("swarm.rejection_fatal"),
		},
		Providers: ProvidersConfig{
			Ranking: v.GetStringSlice("providers.ranking"),
			OpenAI: ProviderCredentials{
				APIKey:  v.GetString("providers.openai.api_key"),
				BaseURL: v.GetString("providers.openai.base_url"),
				Model:   v.GetString("providers.openai.model"),
			},
			Anthropic: ProviderCredentials{
				APIKey:  v.GetString("providers.anthropic.api_key"),
				BaseURL: v.GetString("providers.anthropic.base_url"),
				Model:   v.GetString("providers.anthropic.model"),
			},
		},
		Store: StoreConfig{
			Path: v.GetString("store.path"),
		},
		Events: EventsConfig{
			HistorySize: v.GetInt("events.history_size"),
			ListenAddr:  v.GetString("events.listen_addr"),
		},
	}
}
