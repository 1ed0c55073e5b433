package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/whisper/messenger/internal/messaging"
)

// ActivityKey is a sorted set of conversation ids scored by the unix time of
// their most recent durable event.
const ActivityKey = "conversation_activity"

type tailConfig struct {
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	NATSURL   string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
}

func main() {
	log.Println("Starting Whisper event tail...")

	_ = godotenv.Load()

	var cfg tailConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "whisper-eventtail"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	err = natsClient.SubscribeConversationEvents(func(conversationID int64, event string, data []byte) {
		log.Printf("[eventtail] conversation=%d event=%s bytes=%d", conversationID, event, len(data))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := rdb.ZAdd(ctx, ActivityKey, redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: conversationID,
		}).Err()
		if err != nil {
			log.Printf("[eventtail] failed to record activity for conversation %d: %v", conversationID, err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to conversation events: %v", err)
	}

	log.Printf("Whisper event tail running")
	log.Printf("  redis_addr: %s", cfg.RedisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	rdb.Close()
}
