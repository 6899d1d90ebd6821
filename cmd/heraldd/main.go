// Command heraldd runs the herald job engine behind its HTTP API and
// WebSocket gateway.
//
//	heraldd -config /etc/herald/herald.yaml
//
// Every setting can be overridden with a HERALD_ environment variable,
// see package config.
//
// SIGTERM and SIGINT drain and exit. On unix, SIGTSTP stops the node
// from leasing new jobs while the API and gateway keep serving.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/herald/api"
	"github.com/xraph/herald/auth"
	pgauth "github.com/xraph/herald/auth/postgres"
	"github.com/xraph/herald/config"
	"github.com/xraph/herald/engine"
	"github.com/xraph/herald/gateway"
	redisstore "github.com/xraph/herald/store/redis"
	redisstream "github.com/xraph/herald/stream/redis"
)

func main() {
	configPath := flag.String("config", os.Getenv("HERALD_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "heraldd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	ctx, stop, quiet := notifySignals(context.Background(), logger)
	defer stop()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close() //nolint:errcheck // process is exiting
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	storeOpts := []redisstore.Option{redisstore.WithLogger(logger)}
	streamOpts := []redisstream.Option{redisstream.WithLogger(logger)}
	if cfg.Redis.KeyPrefix != "" {
		storeOpts = append(storeOpts, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
		streamOpts = append(streamOpts, redisstream.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}

	engOpts := []engine.Option{
		engine.WithConfig(cfg.Engine.Herald()),
		engine.WithLogger(logger),
		engine.WithTransport(redisstream.New(rdb, streamOpts...)),
	}
	if !cfg.Server.Workers {
		engOpts = append(engOpts, engine.WithoutWorkers())
	}
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		var ownOpts []pgauth.Option
		if cfg.Postgres.OwnershipQuery != "" {
			ownOpts = append(ownOpts, pgauth.WithQuery(cfg.Postgres.OwnershipQuery))
		}
		engOpts = append(engOpts, engine.WithEntityOwnership(pgauth.New(pool, ownOpts...)))
	}

	eng, err := engine.New(redisstore.New(rdb, storeOpts...), engOpts...)
	if err != nil {
		return err
	}
	if err := registerCategories(eng, cfg); err != nil {
		return fmt.Errorf("register categories: %w", err)
	}

	authn, err := newAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}

	if err := eng.Init(ctx); err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	gw := gateway.NewServer(eng.Broker(), gateway.NewHandler(eng, logger),
		gateway.WithAuth(authn),
		gateway.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(eng, authn, api.WithGateway(gw), api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("heraldd listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-quiet:
				stopCtx, cancel := context.WithTimeout(gctx, cfg.Server.ShutdownTimeout)
				err := eng.StopWorkers(stopCtx)
				cancel()
				if err != nil {
					logger.Warn("stop workers", slog.String("error", err.Error()))
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("heraldd shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		_ = gw.Close() //nolint:errcheck // always nil
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			eng.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// newAuthenticator accepts JWTs signed with the configured secret and
// the configured static API keys.
func newAuthenticator(cfg config.AuthConfig, logger *slog.Logger) (auth.Authenticator, error) {
	var auths []auth.Authenticator
	if cfg.JWTSecret != "" {
		opts := []auth.JWTOption{auth.WithJWTLogger(logger)}
		if cfg.Issuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.Issuer))
		}
		if cfg.TokenLifetime > 0 {
			opts = append(opts, auth.WithTokenLifetime(cfg.TokenLifetime))
		}
		jwtAuth, err := auth.NewJWTAuthenticator(cfg.JWTSecret, opts...)
		if err != nil {
			return nil, fmt.Errorf("jwt: %w", err)
		}
		auths = append(auths, jwtAuth)
	}
	if len(cfg.APIKeys) > 0 {
		entries := make([]auth.APIKeyEntry, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			entries = append(entries, auth.APIKeyEntry{
				Key:       k.Key,
				Principal: auth.Principal{Subject: k.Subject, Scopes: k.Scopes},
			})
		}
		auths = append(auths, auth.NewAPIKeyAuthenticator(entries...))
	}
	if len(auths) == 1 {
		return auths[0], nil
	}
	return auth.NewCompositeAuthenticator(auths...), nil
}
