// main wires high-level dependencies: session store backend, gateway
// identity keys, both protocol roles, the deadline sweeper, and the HTTP
// router. Business logic lives in the internal packages.
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"crosslock/internal/audit"
	auditkafka "crosslock/internal/audit/kafka"
	"crosslock/internal/jwtauth"
	"crosslock/internal/platform/config"
	"crosslock/internal/platform/httpserver"
	"crosslock/internal/platform/logger"
	platformredis "crosslock/internal/platform/redis"
	"crosslock/internal/transfer/codec"
	"crosslock/internal/transfer/gateway"
	"crosslock/internal/transfer/keys"
	"crosslock/internal/transfer/ledger"
	"crosslock/internal/transfer/metrics"
	"crosslock/internal/transfer/models"
	"crosslock/internal/transfer/statemachine"
	"crosslock/internal/transfer/store"
	"crosslock/internal/transfer/sweep"
	httptransport "crosslock/internal/transport/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sessionStore, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("session store: %v", err)
	}
	defer cleanup()

	pair, err := loadKeys(cfg)
	if err != nil {
		log.Fatalf("gateway keys: %v", err)
	}
	peerPub := pair.Public
	if cfg.PeerPublicKey != "" {
		peer, err := keys.ParsePublic(cfg.PeerPublicKey)
		if err != nil {
			log.Fatalf("peer public key: %v", err)
		}
		peerPub = peer
	} else {
		log.Printf("no peer public key configured, loopback mode: verifying against own key")
	}

	registry := prometheus.NewRegistry()
	mt := metrics.NewWith(registry)
	cd := codec.New(cfg.EvidenceTTL)
	retry := statemachine.NewRetryPolicy(cfg.RetryMax, cfg.RetryBase)
	ldg := ledger.NewInMemory()

	clientKeys := keys.NewStaticProvider(models.RoleClient, pair, peerPub)
	serverKeys := keys.NewStaticProvider(models.RoleServer, pair, peerPub)
	clientMachine := statemachine.New(sessionStore, cd, ldg, clientKeys, mt, log, retry)
	serverMachine := statemachine.New(sessionStore, cd, ldg, serverKeys, mt, log, retry)

	transport := httptransport.NewPeerSender(cfg.PeerURL)

	client := gateway.NewClient(sessionStore, clientMachine, clientKeys, transport, mt, log, retry)
	server := gateway.NewServer(sessionStore, serverMachine, serverKeys, transport, mt, log, retry)

	auditPub, closeAudit, err := buildAudit(ctx, cfg, log)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	defer closeAudit()
	client.WithAudit(auditPub)
	server.WithAudit(auditPub)

	authSvc := jwtauth.NewService(cfg.JWTSigningKey, "crosslock", "crosslock-api")
	creds := jwtauth.NewCredentials()
	if err := creds.Register(cfg.APIClientID, cfg.APISecret); err != nil {
		log.Fatalf("register api client: %v", err)
	}

	handler := httptransport.NewHandler(client, server, sessionStore, authSvc, creds, log)
	router := httptransport.NewRouter(handler, authSvc, registry, log)
	srv := httpserver.New(cfg.Addr, router)

	sweeper := sweep.New(sessionStore, clientMachine, mt, log, cfg.SweepInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("starting crosslock gateway on %s (store=%s)", cfg.Addr, cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := sweeper.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("gateway terminated: %v", err)
	}
}

func loadKeys(cfg config.Gateway) (keys.Pair, error) {
	if cfg.SigningSeed != "" {
		return keys.FromSeed(cfg.SigningSeed)
	}
	return keys.Generate()
}

func buildStore(ctx context.Context, cfg config.Gateway) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		if client == nil {
			return nil, nil, fmt.Errorf("store backend is redis but CROSSLOCK_REDIS_URL is empty")
		}
		return store.NewRedisStore(client), func() { _ = client.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		st := store.NewPostgresStore(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	default:
		return store.NewInMemoryStore(), func() {}, nil
	}
}

func buildAudit(ctx context.Context, cfg config.Gateway, log *stdlog.Logger) (*audit.Publisher, func(), error) {
	var auditStore audit.Store = audit.NewInMemoryStore()
	closers := []func(){}

	if cfg.StoreBackend == "postgres" && cfg.PostgresURL != "" {
		pg, err := audit.NewPostgres(cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		auditStore = pg
		closers = append(closers, func() { _ = pg.Close() })
	}

	var sink audit.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := auditkafka.New(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			return nil, nil, err
		}
		sink = kp
		closers = append(closers, kp.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return audit.NewPublisher(auditStore, sink), closeAll, nil
}
