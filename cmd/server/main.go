package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harrylevesque/hcsguard/internal/api"
	"github.com/harrylevesque/hcsguard/internal/certs"
	"github.com/harrylevesque/hcsguard/internal/distribution"
	"github.com/harrylevesque/hcsguard/internal/keys"
	"github.com/harrylevesque/hcsguard/internal/service"
	"github.com/harrylevesque/hcsguard/internal/store"
	"github.com/harrylevesque/hcsguard/internal/telemetry"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := utils.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := utils.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Install()

	masterKey, err := utils.ReadMasterKey(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ledger distribution.Ledger
	if cfg.Redis.Addr != "" {
		client, err := distribution.DialRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		ledger = distribution.NewRedisLedger(client, "", 0)
		logger.Info("using redis token ledger", "addr", cfg.Redis.Addr)
	}

	metrics, err := telemetry.New(nil)
	if err != nil {
		return err
	}
	svc, err := service.New(service.Deps{
		Config:    cfg,
		Store:     st,
		Keys:      keys.NewRegistry(),
		MasterKey: masterKey,
		Ledger:    ledger,
		Logger:    logger.Logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.NewRouter(svc, cfg.Server, logger.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.TLSCert != "" {
		cm := certs.NewCertManager(cfg.Server.TLSCert, cfg.Server.TLSKey, logger.Logger)
		if err := cm.Load(); err != nil {
			return err
		}
		if srv.TLSConfig, err = cm.TLSConfig(); err != nil {
			return err
		}
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil, "device", svc.DeviceID())
		if srv.TLSConfig != nil {
			errc <- srv.ListenAndServeTLS("", "")
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
