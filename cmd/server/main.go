package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bankid-gateway/internal/bankid/client"
	"bankid-gateway/internal/bankid/poller"
	"bankid-gateway/internal/bankid/service"
	"bankid-gateway/internal/bankid/store"
	"bankid-gateway/internal/bankid/webhook"
	jwttoken "bankid-gateway/internal/jwt_token"
	"bankid-gateway/internal/platform/config"
	"bankid-gateway/internal/platform/httpserver"
	"bankid-gateway/internal/platform/logger"
	"bankid-gateway/internal/platform/metrics"
	"bankid-gateway/internal/platform/redis"
	httptransport "bankid-gateway/internal/transport/http"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	bankidClient, err := client.New(client.Config{
		BaseURL:  cfg.APIBaseURL,
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
		CAFile:   cfg.CAFile,
	})
	if err != nil {
		log.Error("bankid client init failed", "error", err)
		os.Exit(1)
	}

	rdb, err := redis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis init failed", "error", err)
		os.Exit(1)
	}

	var sessions store.SessionStore
	if rdb != nil {
		sessions = store.NewRedisSessionStore(rdb.Client)
		log.Info("using redis session store")
	} else {
		sessions = store.NewInMemorySessionStore()
		log.Info("using in-memory session store")
	}

	m := metrics.New()
	hooks := webhook.NewSender(log)
	bg := poller.New(bankidClient, sessions, log, poller.WithMetrics(m))
	tokens := jwttoken.New(cfg.JWTSigningKey, "bankid-gateway", "bankid-gateway-clients")

	svc := service.New(bankidClient, sessions, bg, hooks, tokens, service.Config{
		PollInterval: cfg.PollInterval,
		MaxWait:      cfg.MaxWait,
	}, service.WithLogger(log), service.WithMetrics(m))

	handler := httptransport.NewBankIDHandler(svc, log, cfg.MaxWait, cfg.QRRefreshInterval)
	router := httptransport.NewRouter(handler, httptransport.RouterConfig{
		Logger:  log,
		Metrics: m,
		Tokens:  tokens,
	})

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting bankid-gateway", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		bg.Shutdown()
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
