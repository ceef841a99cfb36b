package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"swarmq/config"
	"swarmq/events"
	"swarmq/health"
	"swarmq/log"
	"swarmq/provider"
	"swarmq/queue"
	"swarmq/scheduler"
	"swarmq/store"
	"swarmq/swarm"
)

var (
	version = "1.0.0"

	configFlag  string
	workersFlag int

	rootCmd = &cobra.Command{
		Use:   "swarmq",
		Short: "swarmq - an agent run orchestration engine",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			if err := godotenv.Load(); err == nil {
				log.InfoLog.Printf("loaded environment from .env")
			}

			cfg := config.Load(configFlag)
			if workersFlag > 0 {
				cfg.Queue.WorkerCount = workersFlag
			}

			return serve(cmd.Context(), cfg)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of swarmq",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("swarmq version %s\n", version)
		},
	}
)

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		jobStore  queue.Store
		taskStore scheduler.Store
	)
	if cfg.Store.Path != "" {
		db, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer db.Close()
		jobStore, taskStore = db, db
		log.InfoLog.Printf("using sqlite store at %s", cfg.Store.Path)
	} else {
		mem := store.NewMemory()
		jobStore, taskStore = mem, mem
		log.InfoLog.Printf("using in-memory store")
	}

	bus := events.NewBus(cfg.Events.HistorySize)
	defer bus.Close()
	confirmer := events.NewConfirmer()

	providers := provider.NewRegistry(cfg.Providers.Ranking)
	if p, err := provider.NewAnthropic(provider.Credentials(cfg.Providers.Anthropic)); err == nil {
		providers.Register(p)
		if base := cfg.Providers.Anthropic.BaseURL; base != "" {
			log.InfoLog.Printf("anthropic provider using base url %s", log.SanitizeURL(base))
		}
	} else {
		log.WarningLog.Printf("anthropic provider disabled: %v", err)
	}
	if p, err := provider.NewOpenAI(provider.Credentials(cfg.Providers.OpenAI)); err == nil {
		providers.Register(p)
		if base := cfg.Providers.OpenAI.BaseURL; base != "" {
			log.InfoLog.Printf("openai provider using base url %s", log.SanitizeURL(base))
		}
	} else {
		log.WarningLog.Printf("openai provider disabled: %v", err)
	}
	if len(providers.Ranked()) == 0 {
		return fmt.Errorf("no providers configured, set SWARMQ_PROVIDERS_ANTHROPIC_API_KEY or SWARMQ_PROVIDERS_OPENAI_API_KEY")
	}

	pipeline := swarm.New(providers, bus, confirmer, swarm.Options{
		ConfirmTimeout: cfg.Swarm.ConfirmTimeout,
		RejectionFatal: cfg.Swarm.RejectionFatal,
	})

	reg := health.NewRegistry()
	q, err := queue.NewJobQueue(pipeline, queue.Options{
		WorkerCount: cfg.Queue.WorkerCount,
		MaxRetries:  cfg.Queue.MaxRetries,
		Backoff: &queue.ExponentialBackoff{
			BaseDelay:  cfg.Queue.BaseBackoff,
			MaxDelay:   cfg.Queue.MaxBackoff,
			Multiplier: 2.0,
		},
		AttemptTimeout: cfg.Queue.AttemptTimeout,
		Retention:      cfg.Queue.Retention,
		Store:          jobStore,
		Health:         reg,
	})
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}
	q.Start()

	sched, err := scheduler.New(q, taskStore, cfg.Scheduler.TickInterval)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	sched.Start()

	var srv *http.Server
	if cfg.Events.ListenAddr != "" {
		hub := events.NewHub(bus, confirmer)
		mux := http.NewServeMux()
		mux.Handle("/events", hub)
		srv = &http.Server{Addr: cfg.Events.ListenAddr, Handler: mux}
		go func() {
			log.InfoLog.Printf("event stream listening on %s", cfg.Events.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.ErrorLog.Printf("event stream server: %v", err)
			}
		}()
	}

	log.InfoLog.Printf("swarmq %s serving with %d workers", version, cfg.Queue.WorkerCount)
	<-ctx.Done()
	log.InfoLog.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WarningLog.Printf("event stream shutdown: %v", err)
		}
	}
	if err := q.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("queue shutdown: %w", err)
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to a config file (default searches for swarmq.yaml)")
	serveCmd.Flags().IntVarP(&workersFlag, "workers", "w", 0, "Override the configured worker count")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
