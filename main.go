package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/spf13/cobra"

	"pairchat/server/internal/chat"
	"pairchat/server/internal/config"
	"pairchat/server/internal/database"
	"pairchat/server/internal/handlers"
	"pairchat/server/internal/logging"
	"pairchat/server/internal/metrics"
	"pairchat/server/internal/presence"
	"pairchat/server/internal/relay"
	"pairchat/server/internal/routes"
	"pairchat/server/internal/store"
	"pairchat/server/internal/store/memstore"
	"pairchat/server/internal/store/postgres"
	"pairchat/server/internal/typing"
	"pairchat/server/internal/utils"
	"pairchat/server/internal/websocket"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "pairchat",
		Short:         "Realtime one-to-one chat and presence server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	root.AddCommand(serveCmd(&configPath), migrateCmd(&configPath), tokenCmd(&configPath))
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log, closer := logging.New(cfg.Log)
			defer closer.Close()
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	nodeID := utils.NodeID(cfg.Server.NodeID)
	log = log.With(slog.String("node", nodeID))

	st, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()

	var rl relay.Relay = relay.Nop{}
	if cfg.NATS.URL != "" {
		n, err := relay.Connect(cfg.NATS.URL, nodeID, log)
		if err != nil {
			return err
		}
		defer n.Close()
		rl = n
		log.Info("cross-node relay enabled", slog.String("url", cfg.NATS.URL))
	}

	var typingStore typing.Store = typing.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		rs, err := typing.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rs.Close()
		typingStore = rs
		log.Info("shared typing store enabled", slog.String("addr", cfg.Redis.Addr))
	}

	m := metrics.New("pairchat", "realtime")
	hub := websocket.NewHub(nodeID, st, rl, m, log)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}

	chatSvc := chat.NewService(st, hub, log)
	typingTracker := typing.NewTracker(typingStore, hub, cfg.Typing.TTL.Duration, log)
	go typingTracker.Run(ctx)
	presenceTracker := presence.NewTracker(st, hub, log)

	gateway := websocket.NewGateway(websocket.GatewayConfig{
		Hub:      hub,
		Users:    st,
		Chat:     chatSvc,
		Typing:   typingTracker,
		Presence: presenceTracker,
		Metrics:  m,
		Options: websocket.Options{
			PingInterval: cfg.WebSocket.PingInterval.Duration,
			PongWait:     cfg.WebSocket.PongWait.Duration,
			WriteWait:    cfg.WebSocket.WriteWait.Duration,
			SendBuffer:   cfg.WebSocket.SendBuffer,
			EventRate:    cfg.WebSocket.EventRate,
			EventBurst:   cfg.WebSocket.EventBurst,
		},
		Logger: log,
	})

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "pairchat realtime",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowCredentials: true,
	}))

	routes.SetupRoutes(app, routes.Deps{
		Handlers: handlers.New(chatSvc, presenceTracker, hub, nodeID, log),
		Gateway:  gateway,
		Verifier: utils.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration),
		Metrics:  m,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", slog.String("port", cfg.Server.Port), slog.String("store", cfg.Store.Driver))
		errCh <- app.Listen(":" + cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	hub.Shutdown()
	return app.ShutdownWithTimeout(10 * time.Second)
}

// openStore connects the configured driver.
func openStore(ctx context.Context, cfg config.Config, migrate bool) (store.Store, error) {
	if cfg.Store.Driver == config.DriverMemory {
		return memstore.New(memstore.WithAutoUsers()), nil
	}
	pool, err := database.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return postgres.New(pool), nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log, closer := logging.New(cfg.Log)
			defer closer.Close()
			slog.SetDefault(log)

			pool, err := database.Connect(cmd.Context(), cfg.Store.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.Migrate(cmd.Context(), pool)
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			token, err := utils.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration).GenerateToken(userID)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), token+"\n")
			return err
		},
	}
}
