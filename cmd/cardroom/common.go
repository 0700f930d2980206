package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/railbird-gg/cardroom/cmd/cardroom/shared"
	"github.com/railbird-gg/cardroom/internal/auth"
	"github.com/railbird-gg/cardroom/internal/config"
	"github.com/railbird-gg/cardroom/internal/fabric"
)

// runtime bundles what every service subcommand starts from.
type runtime struct {
	cfg    *config.Config
	logger *log.Logger
	clock  quartz.Clock
	ctx    context.Context
}

func newRuntime(cli *CLI) (*runtime, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	logger := shared.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	return &runtime{
		cfg:    cfg,
		logger: logger,
		clock:  quartz.NewReal(),
		ctx:    shared.SetupSignalHandler(logger),
	}, nil
}

// openFabric picks redis when configured, the in-memory fabric
// otherwise.
func (rt *runtime) openFabric() (fabric.Fabric, error) {
	if rt.cfg.Redis.Addr == "" {
		rt.logger.Info("No redis configured, using in-memory fabric")
		return fabric.NewMemory(), nil
	}
	return fabric.NewRedis(rt.ctx, rt.cfg.Redis.Addr, rt.cfg.Redis.Password, rt.cfg.Redis.DB, rt.logger)
}

// openRedis returns the stream client, nil in single-process mode.
func (rt *runtime) openRedis() *redis.Client {
	if rt.cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	})
}

// buildVerifier constructs the configured token verifier. JWKS mode
// needs its refresh loop started by the caller.
func (rt *runtime) buildVerifier() (auth.Verifier, *auth.JWKSVerifier, error) {
	switch rt.cfg.Auth.Mode {
	case "hmac":
		return auth.NewHMACVerifier([]byte(rt.cfg.Auth.Secret)), nil, nil
	case "pem":
		pemBytes, err := os.ReadFile(rt.cfg.Auth.PEMFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read pem file: %w", err)
		}
		v, err := auth.NewPEMVerifier(pemBytes)
		if err != nil {
			return nil, nil, err
		}
		return v, nil, nil
	case "jwks":
		v := auth.NewJWKSVerifier(rt.cfg.Auth.JWKSURL, rt.clock, rt.logger)
		return v, v, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth mode %q", rt.cfg.Auth.Mode)
	}
}

// ignoreCancel turns the cancellation that follows a shutdown signal
// into a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveHTTP runs an HTTP server until ctx is done, then drains it.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
