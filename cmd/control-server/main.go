package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roomlink-server/roomlink-server-pro/internal/api"
	"github.com/roomlink-server/roomlink-server-pro/internal/channel"
	"github.com/roomlink-server/roomlink-server-pro/internal/command"
	"github.com/roomlink-server/roomlink-server-pro/internal/config"
	"github.com/roomlink-server/roomlink-server-pro/internal/enrollment"
	"github.com/roomlink-server/roomlink-server-pro/internal/integration"
	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/registry"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
	"github.com/roomlink-server/roomlink-server-pro/internal/telemetry"
)

func main() {
	// Command line flags
	var configFile string
	var showConfig bool
	flag.StringVar(&configFile, "config", "config/control-server.yml", "Configuration file path")
	flag.BoolVar(&showConfig, "show-config", false, "Print the effective configuration and exit")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if showConfig {
		cfg.PrintConfigSummary()
		return
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Connect to database. 无 DSN 时回退到内存存储（开发模式）
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		store = pg
		log.Info().Msg("Connected to database")
	} else {
		store = storage.NewMemoryStore()
		log.Warn().Msg("No database configured, using in-memory store")
	}
	defer store.Close()

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional: Connect to NATS
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("roomlink-control-server"),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				log.Error().
					Err(err).
					Str("subject", sub.Subject).
					Msg("NATS error")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Wire up the control plane
	deviceRegistry := registry.New(store, nc)
	issuer := enrollment.NewIssuer(store, nc, cfg.Enrollment.TokenTTL)
	reconstructor := telemetry.NewReconstructor(store, nc, cfg.Session.OpenCeiling, cfg.Session.ReorderWindow)
	channels := channel.NewManager(deviceRegistry, reconstructor, cfg.Heartbeat.Interval, cfg.Heartbeat.Grace())
	dispatcher := command.NewDispatcher(channels, store, cfg.Command.QueueTTL)

	// 注册表通过通道管理器感知设备在线状态
	deviceRegistry.SetPresence(channels)

	// Queued commands flush on the next connect; acks land in the event log
	channels.OnConnect(dispatcher.FlushQueued)
	channels.OnAck(dispatcher.HandleAck)

	// Bootstrap admin account from environment
	bootstrapAdmin(ctx, store)

	// Start REST API server
	apiServer := api.NewRESTServer(cfg, store, api.Deps{
		Registry:      deviceRegistry,
		Issuer:        issuer,
		Channels:      channels,
		Dispatcher:    dispatcher,
		Reconstructor: reconstructor,
	})

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.ListenAndServe(cfg.API.Addr()); err != nil {
			log.Error().Err(err).Msg("REST API server stopped")
		}
	}()

	// Heartbeat supervisor
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := channels.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Heartbeat supervisor stopped")
		}
	}()

	// Session sweep
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reconstructor.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Session sweeper stopped")
		}
	}()

	// Optional: external fan-out
	forwarder := integration.NewForwarderService(nc, cfg.Integration)
	if nc != nil && forwarder.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("Starting integration forwarder")
			if err := forwarder.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Integration forwarder stopped")
			}
		}()
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Close device channels
	channels.Shutdown()

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Control server stopped")
}

// bootstrapAdmin 从环境变量创建初始管理员账号（若不存在）
func bootstrapAdmin(ctx context.Context, store storage.Store) {
	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return
	}

	if _, err := store.GetUserByEmail(ctx, email); err == nil {
		return
	}

	user := &models.User{
		Email:    email,
		Username: email,
		IsAdmin:  true,
		IsActive: true,
		Settings: models.Variables{"password": password},
	}
	if err := store.CreateUser(ctx, user); err != nil {
		log.Error().Err(err).Msg("Failed to bootstrap admin account")
		return
	}
	delete(user.Settings, "password")

	log.Info().Str("email", email).Msg("Bootstrapped admin account")
}
