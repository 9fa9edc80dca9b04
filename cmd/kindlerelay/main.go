package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/kindlerelay/internal/api"
	"github.com/shohag/kindlerelay/internal/assembly"
	"github.com/shohag/kindlerelay/internal/config"
	"github.com/shohag/kindlerelay/internal/delivery"
	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/selection"
	"github.com/shohag/kindlerelay/internal/source"
	"github.com/shohag/kindlerelay/internal/storage"
)

var version = "0.1.0"

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "kindlerelay",
		Short: "Scheduled reading-list deliveries to your Kindle",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(dispatchCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(userCmd(&configPath))
	rootCmd.AddCommand(deliveryCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      storage.Storage
	source     *source.Client
	dispatcher *delivery.Dispatcher
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.Assembly.LinkSecret == "" {
		cfg.Assembly.LinkSecret = models.NewLinkSecret()
		log.Warn().Msg("assembly.link_secret is not set, action links in sent issues stop working after a restart")
	}

	transport, err := setupTransport(cfg.Mail)
	if err != nil {
		store.Close()
		return nil, err
	}

	src := source.NewClient(cfg.Source)
	engine := selection.NewEngine(src, log.With().Str("component", "selection").Logger())
	pipeline, err := assembly.NewPipeline(cfg.Assembly, cfg.Mail, assembly.Components{
		Extractor: assembly.NewReadabilityExtractor(cfg.Assembly.StepTimeout, cfg.Assembly.UserAgent),
		Cover:     assembly.JPEGCover{},
		Packager:  assembly.EPUBPackager{},
		Transport: transport,
		Archiver:  src,
	}, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to setup assembly: %w", err)
	}

	return &app{
		cfg:        cfg,
		log:        log,
		store:      store,
		source:     src,
		dispatcher: delivery.NewDispatcher(cfg.Delivery, store, engine, pipeline, log),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the delivery scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			log := a.log

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			scheduler := delivery.NewScheduler(a.cfg.Delivery, a.dispatcher, log)
			if err := scheduler.Start(ctx); err != nil {
				return err
			}

			server := api.NewServer(a.cfg.Server, a.cfg.Assembly.LinkSecret, a.store, a.source, a.source, a.dispatcher, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", a.cfg.Server.Port).
				Str("schedule", a.cfg.Delivery.Schedule).
				Int("concurrency", a.cfg.Delivery.Concurrency).
				Str("mail", a.cfg.Mail.Driver).
				Str("storage", a.cfg.Storage.Driver).
				Msg("Kindle Relay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			scheduler.Stop()

			log.Info().Msg("Kindle Relay stopped")
			return nil
		},
	}
}

func dispatchCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, _ := cmd.Flags().GetString("at")
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				now = t
			}

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sent, err := a.dispatcher.DispatchDue(cmd.Context(), now)
			if err != nil {
				return fmt.Errorf("dispatch failed: %w", err)
			}

			fmt.Printf("Slot %s: %d deliveries sent\n", delivery.SlotFor(now), len(sent))
			for _, d := range sent {
				fmt.Printf("  %s  -> %s\n", d.ID, d.KindleEmail)
			}
			return nil
		},
	}
	cmd.Flags().String("at", "", "dispatch as if it were this time (RFC3339)")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Kindle Relay v%s\n", version)
		},
	}
}

func printJSON(v interface{}) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupTransport(cfg config.MailConfig) (assembly.Transport, error) {
	switch cfg.Driver {
	case "sendgrid":
		return assembly.NewSendGrid(cfg.SendGrid), nil
	case "smtp":
		return assembly.NewSMTP(cfg.SMTP), nil
	default:
		return nil, fmt.Errorf("unsupported mail driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
