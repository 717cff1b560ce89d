package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"modelpool/internal/bus"
	"modelpool/internal/chat"
	"modelpool/internal/cluster"
	"modelpool/internal/common/fsutil"
	"modelpool/internal/config"
	"modelpool/internal/httpapi"
	"modelpool/internal/ollama"
	"modelpool/internal/provider"
	"modelpool/internal/registry"
	"modelpool/internal/vectorstore"
	"modelpool/internal/worker"
	"modelpool/pkg/types"
)

type rootFlags struct {
	configPath  string
	addr        string
	logLevel    string
	pretty      bool
	corsOrigins string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "modelpoold",
		Short: "Model serving pool: admission control, load balancing and embedding workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to config file (.yaml/.json/.toml)")
	cmd.PersistentFlags().StringVar(&flags.addr, "addr", "", "HTTP listen address, overrides config")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "Human-readable console logging")
	cmd.PersistentFlags().StringVar(&flags.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins; empty disables CORS")
	return cmd
}

func setupLogging(flags *rootFlags) {
	level, err := zerolog.ParseLevel(flags.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if flags.pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// splitCSV splits a comma-separated flag value, trimming whitespace and
// dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(ctx context.Context, flags *rootFlags) error {
	setupLogging(flags)

	var cfg config.Config
	if flags.configPath != "" {
		var err error
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if flags.addr != "" {
		cfg.Addr = flags.addr
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NATS: embedded or external.
	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		storeDir, err := fsutil.ExpandHome(cfg.NATS.StoreDir)
		if err != nil {
			return err
		}
		if storeDir == "" {
			storeDir = "./data/nats"
		}
		srv, err := bus.NewServer(bus.ServerOptions{
			Port:       cfg.NATS.Port,
			StoreDir:   storeDir,
			ServerName: "modelpoold",
		})
		if err != nil {
			return fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		defer func() { _ = srv.Stop() }()
		natsURL = srv.ClientURL()
	}
	if natsURL == "" {
		natsURL = "nats://127.0.0.1:4222"
	}
	b, err := bus.Connect(natsURL)
	if err != nil {
		return err
	}
	defer b.Close()

	ollamaClient := ollama.New(30 * time.Second)
	mgr := cluster.New(ollamaClient, cluster.Config{
		ReserveFraction: cfg.ReserveFraction,
		StatusTTL:       time.Duration(cfg.StatusTTLSeconds) * time.Second,
		ModelsTTL:       time.Duration(cfg.ModelsTTLSeconds) * time.Second,
		LoadTTL:         time.Duration(cfg.LoadTTLSeconds) * time.Second,
	})
	mgr.SetInstances(cfg.Instances)

	providers := provider.NewRegistry()
	providers.Register(types.ProviderOllama, provider.NewOllamaEmbedder(mgr, ollamaClient))
	if cfg.OpenAI.APIKey != "" {
		providers.Register(types.ProviderOpenAI, provider.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL))
	}

	storeURL := cfg.VectorStore.URL
	if storeURL == "" {
		storeURL = "http://127.0.0.1:6333"
	}
	store := vectorstore.New(storeURL, cfg.VectorStore.APIKey, 30*time.Second)

	storageRoot, err := fsutil.ExpandHome(cfg.Worker.StorageRoot)
	if err != nil {
		return err
	}
	reg := registry.New()
	w, err := worker.New(worker.Config{
		ID:       cfg.Worker.ID,
		PoolSize: cfg.Worker.PoolSize,
	}, b, reg, providers, mgr, store, worker.DirSource{Root: storageRoot})
	if err != nil {
		return err
	}
	defer w.Close()
	if len(cfg.Worker.Workspaces) > 0 {
		if err := w.Watch(ctx, cfg.Worker.Workspaces); err != nil {
			return err
		}
	}

	chatRouter := chat.NewRouter()
	chatRouter.Register(types.ProviderOllama, chat.New(mgr, ollamaClient))
	if cfg.OpenAI.APIKey != "" {
		chatRouter.Register(types.ProviderOpenAI, chat.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL))
	}

	httpapi.SetBaseContext(ctx)
	httpapi.SetChatTimeoutSeconds(int64(cfg.ChatTimeoutSeconds))
	httpapi.RegisterClusterMetrics(mgr)
	if flags.corsOrigins != "" {
		httpapi.SetCORSOptions(true, splitCSV(flags.corsOrigins),
			[]string{"GET", "POST", "OPTIONS"}, []string{"Content-Type", "X-Log-Level"})
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr, chatRouter, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("nats", natsURL).Int("instances", len(cfg.Instances)).
			Msg("modelpoold listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
