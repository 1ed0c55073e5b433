package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/messenger/internal/api"
	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/config"
	"github.com/whisper/messenger/internal/delivery"
	"github.com/whisper/messenger/internal/messaging"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/room"
	"github.com/whisper/messenger/internal/session"
	"github.com/whisper/messenger/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded (%v), using process environment", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// --- Postgres ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := chat.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := chat.RunMigrations(cfg.DatabaseURL); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	store := chat.NewStore(db)

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "whisper-messenger-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	log.Printf("Whisper messenger starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  heartbeat:       %s + %s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_enabled:    %v", natsClient != nil)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  event_limit:     %s", cfg.EventRule())
	log.Printf("  send_limit:      %s", cfg.SendRule())

	// --- Core ---
	registry := presence.NewRegistry()
	hub := room.NewHub(nil)
	authenticator := api.NewAuthenticator(cfg.JWTSecret)
	coord := delivery.NewCoordinator(store, registry, hub)
	coord.SetStoreTimeout(cfg.StoreTimeout)
	coord.SetSessionRecorder(sessionStore)
	if cfg.SocketAuth {
		coord.SetTokenVerifier(authenticator)
	} else {
		log.Println("[chatserver] socket auth disabled: announce accepts any user id")
	}
	if natsClient != nil {
		coord.SetPublisher(natsClient)
	}

	// --- Socket dispatch ---
	dispatcher := ws.NewMessageDispatcher()
	handleEvent := func(conn *ws.Connection, msg interface{}) {
		ev, ok := delivery.EventFromMessage(msg)
		if !ok {
			return
		}
		// Failures are logged and counted by the coordinator.
		_ = coord.Handle(context.Background(), conn.ID, ev)
	}
	for _, t := range []string{
		protocol.TypeAnnounce,
		protocol.TypeJoinRoom,
		protocol.TypeLeaveRoom,
		protocol.TypeTyping,
		protocol.TypeDelivered,
		protocol.TypeSeen,
	} {
		dispatcher.Register(t, handleEvent)
	}

	eventRule := cfg.EventRule()
	dispatcher.SetThrottle(func(sessionID string) (bool, int) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ok, _ := limiter.Allow(ctx, sessionID, eventRule)
		return ok, eventRule.RetryAfter()
	})

	server := ws.NewServer(cfg.ServerConfig(), sessionStore, dispatcher.Dispatch)
	hub.SetSender(server)
	server.SetOnDisconnect(func(connID string) {
		_ = coord.Handle(context.Background(), connID, delivery.Disconnect{})
	})

	// --- HTTP ---
	handler := api.New(store, coord, registry, limiter, cfg.SendRule())
	server.Handle("/api/", api.NewRouter(handler, authenticator))
	server.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
