// ABOUTME: Entry point for the murmur direct-messaging server and its admin commands
// ABOUTME: Dispatches serve, init, seed, token, health and watch subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/murmur/internal/auth"
	"github.com/2389/murmur/internal/chat"
	"github.com/2389/murmur/internal/config"
	"github.com/2389/murmur/internal/realtime"
	"github.com/2389/murmur/internal/server"
	"github.com/2389/murmur/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _ __ ___  _   _ _ __ _ __ ___  _   _ _ __
 | '_ ' _ \| | | | '__| '_ ' _ \| | | | '__|
 | | | | | | |_| | |  | | | | | | |_| | |
 |_| |_| |_|\__,_|_|  |_| |_| |_|\__,_|_|
`

func usage() {
	fmt.Println("Usage: murmur <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the messaging server")
	fmt.Println("  init                           Write a starter config file")
	fmt.Println("  seed                           Create demo users and conversations")
	fmt.Println("  token --email EMAIL            Issue a token for a user")
	fmt.Println("  health                         Check server health")
	fmt.Println("  watch --email E --password P   Stream realtime events for a user")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env file is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(args)
	case "seed":
		err = runSeed(ctx)
	case "token":
		err = runToken(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "watch":
		err = runWatch(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// openStore opens the configured database.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.URL)
	case config.DriverSQLite, config.DriverSQLiteCGO:
		return store.NewSQLiteStoreWithDriver(cfg.Driver, cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Println("Redis:     enabled")
	}
	fmt.Println()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	broadcaster := realtime.NewBroadcaster(logger)
	defer broadcaster.Close()

	var publisher realtime.Publisher = broadcaster
	if cfg.Redis.Enabled {
		client, err := realtime.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()

		relay := realtime.NewRedisRelay(client, broadcaster, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
		publisher = relay
	}

	svc := chat.New(st, publisher, logger,
		chat.WithLocation(cfg.Chat.Location),
		chat.WithTypingThrottle(cfg.Realtime.TypingThrottle),
		chat.WithSearchLimit(cfg.Chat.SearchLimit))
	defer svc.Close()

	hub := realtime.NewHub(broadcaster, svc, realtime.HubConfig{
		PingPeriod:     cfg.Realtime.PingPeriod,
		PongWait:       cfg.Realtime.PongWait,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	tokens, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	opts := server.Options{
		HTTPAddr:          cfg.Server.HTTPAddr,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		Tailscale:         cfg.Tailscale,
		TokenTTL:          cfg.Auth.TokenTTL,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}

	logger.Info("starting murmur",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
		"redis", cfg.Redis.Enabled)

	if err := server.New(opts, svc, st, hub, tokens, logger).Run(ctx); err != nil {
		return err
	}
	logger.Info("murmur stopped")
	return nil
}
