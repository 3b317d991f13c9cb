// resq-server is the dispatch and payment core of the ResQ roadside
// assistance marketplace.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/resq-labs/resq-core/internal/config"
	"github.com/resq-labs/resq-core/internal/dispatch"
	"github.com/resq-labs/resq-core/internal/gateway"
	"github.com/resq-labs/resq-core/internal/httpapi"
	"github.com/resq-labs/resq-core/internal/lifecycle"
	"github.com/resq-labs/resq-core/internal/payments"
	"github.com/resq-labs/resq-core/internal/pricing"
	"github.com/resq-labs/resq-core/internal/realtime"
	"github.com/resq-labs/resq-core/internal/routing"
	"github.com/resq-labs/resq-core/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if !cfg.Production() {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	st, err := store.Open(cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer st.DB.Close()

	hub := realtime.NewHub(log)
	if cfg.RedisURL != "" {
		bridge, err := realtime.NewRedisBridge(cfg.RedisURL, hub, log)
		if err != nil {
			return fmt.Errorf("redis bridge: %w", err)
		}
		defer bridge.Close()
	}

	cache := pricing.NewConfigCache(st.LoadPricingConfig, cfg.PricingCacheTTL)

	router := routing.NewClient(&routing.Config{
		URL:     cfg.RoutingServiceURL,
		Timeout: cfg.RoutingTimeout,
	})

	gw := gateway.NewClient(&gateway.Config{
		KeyID:         cfg.RazorpayKeyID,
		KeySecret:     cfg.RazorpayKeySecret,
		WebhookSecret: cfg.RazorpayWebhookSecret,
	})

	engine := dispatch.NewEngine(st, cache, router, hub, dispatch.Config{
		RadiusKm:       cfg.DispatchRadiusKm,
		EtaMatrixLimit: cfg.EtaMatrixLimit,
		OfferTTL:       cfg.OfferTTL,
	}, log)

	lc := lifecycle.New(st, engine, cache, hub, log)

	var mailer payments.Mailer
	if smtp := smtpConfig(cfg); smtp != nil {
		mailer = payments.NewSMTPMailer(*smtp)
	}
	pay := payments.New(st, cache, gw, hub, mailer, nil, log)

	sweeper := dispatch.NewSweeper(st, log)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("offer sweeper: %w", err)
	}
	defer sweeper.Stop()

	api := httpapi.NewRouter(httpapi.Deps{
		Store:       st,
		Lifecycle:   lc,
		Dispatch:    engine,
		Payments:    pay,
		Pricing:     cache,
		Hub:         hub,
		CORSOrigins: cfg.CORSOrigins,
		Log:         log,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("env", cfg.Env).Msg("resq-core listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// smtpConfig parses SMTP_ADDR (host or host:port) into mailer settings.
func smtpConfig(cfg *config.Config) *payments.SMTPConfig {
	if cfg.SMTPAddr == "" {
		return nil
	}
	host, portStr, err := net.SplitHostPort(cfg.SMTPAddr)
	port := 587
	if err != nil {
		host = cfg.SMTPAddr
	} else if p, err := strconv.Atoi(portStr); err == nil {
		port = p
	}
	return &payments.SMTPConfig{
		Host:     host,
		Port:     port,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}
}
