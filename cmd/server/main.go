// Server runs the fleet control plane: HTTP API, viewer WebSocket hub,
// device message bridge, control-lock manager, and job state machine.
// Requires DATABASE_URL, JWT_PRIVATE_KEY, and JWT_PUBLIC_KEY; see
// internal/config for the full setting list and defaults.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-control-plane/backend/internal/audit"
	auditrepo "fleet-control-plane/backend/internal/audit/repository"
	authrepo "fleet-control-plane/backend/internal/auth/repository"
	authservice "fleet-control-plane/backend/internal/auth/service"
	"fleet-control-plane/backend/internal/bridge"
	"fleet-control-plane/backend/internal/config"
	"fleet-control-plane/backend/internal/db"
	"fleet-control-plane/backend/internal/hub"
	jobcache "fleet-control-plane/backend/internal/job/cache"
	jobrepo "fleet-control-plane/backend/internal/job/repository"
	jobservice "fleet-control-plane/backend/internal/job/service"
	"fleet-control-plane/backend/internal/lock"
	lockstore "fleet-control-plane/backend/internal/lock/store"
	machinerepo "fleet-control-plane/backend/internal/machine/repository"
	"fleet-control-plane/backend/internal/security"
	"fleet-control-plane/backend/internal/server"
	"fleet-control-plane/backend/internal/telemetry"
	"fleet-control-plane/backend/internal/telemetry/producer"
	userrepo "fleet-control-plane/backend/internal/user/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	signer, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("jwt private key: %v", err)
	}
	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("jwt public key: %v", err)
	}
	tokens := security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.JWTRefreshTTL)

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	auditor := audit.NewLogger(auditrepo.NewPostgresRepository(conn), server.ClientIPFromContext)

	users := userrepo.NewPostgresRepository(conn)
	machines := machinerepo.NewPostgresRepository(conn)
	hasher := security.NewHasher(cfg.BcryptCost)
	authSvc := authservice.NewAuthService(users, authrepo.NewPostgresRepository(conn), hasher, tokens, auditor)

	locks := lock.NewManager(lockstore.NewRedisStore(redisClient), cfg.ControlLockTTL(), auditor)

	transport := bridge.NewMQTTTransport(bridge.MQTTConfig{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
	})
	br := bridge.New(transport, bridge.Topics{Prefix: cfg.MQTTTopicPrefix}, cfg.BridgeMaxReconnects, cfg.ReconnectDelay())

	jobs := jobservice.NewJobService(jobrepo.NewPostgresRepository(conn), jobcache.NewRedisCache(redisClient), machines, br, auditor)

	viewerHub := hub.New(tokens, authSvc, cfg.HubPing())
	go viewerHub.Run()

	var emitter telemetry.EventEmitter
	kafkaProducer := producer.NewKafkaProducer(cfg.EventKafkaBrokersList(), cfg.EventKafkaTopic)
	if kafkaProducer != nil {
		emitter = kafkaProducer
		defer kafkaProducer.Close()
	}

	router := server.NewEventRouter(br, viewerHub, jobs, emitter)
	if err := router.Register(context.Background()); err != nil {
		log.Fatalf("event router: %v", err)
	}
	if err := br.Start(context.Background()); err != nil {
		log.Fatalf("bridge: %v", err)
	}
	defer br.Close()

	api := server.New(authSvc, tokens, viewerHub, locks, jobs, machines, cfg.Env == "production")
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("shutting down...")
	case err := <-br.Fatal():
		log.Printf("bridge failed permanently: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	viewerHub.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	time.Sleep(telemetry.ShutdownDrainDuration)
	log.Println("server stopped")
}
