// Command axiomd runs the market-data ingestion daemon: it maintains the
// Schwab streamer session, reconciles subscriptions against the database,
// and persists quotes, book levels, and candles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/axiomtrade/axiom/config"
	"github.com/axiomtrade/axiom/internal/auth"
	"github.com/axiomtrade/axiom/internal/ingest"
	"github.com/axiomtrade/axiom/internal/observability"
	"github.com/axiomtrade/axiom/internal/persistence/migrations"
	"github.com/axiomtrade/axiom/internal/persistence/postgres"
	"github.com/axiomtrade/axiom/internal/schwab"
	"github.com/axiomtrade/axiom/internal/secrets"
	"github.com/axiomtrade/axiom/internal/stream"
)

const (
	daemonLoggerPrefix = "axiomd "
	shutdownTimeout    = 30 * time.Second
)

func main() {
	cfgPath, migrate := parseFlags()
	stdLog := log.New(os.Stdout, daemonLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, loaded, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		stdLog.Fatalf("load configuration: %v", err)
	}
	if loaded {
		stdLog.Printf("configuration loaded from %s", cfgPath)
	}

	logger := observability.NewZerologLogger(os.Stdout, cfg.Debug)
	observability.SetLogger(logger)

	ctx, cancel := newSignalContext()
	defer cancel()

	if migrate {
		if err := migrations.ApplyEmbedded(ctx, cfg.DatabaseURL, stdLog); err != nil {
			stdLog.Fatalf("apply migrations: %v", err)
		}
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		stdLog.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	store, err := postgres.New(pool)
	if err != nil {
		stdLog.Fatalf("build stores: %v", err)
	}

	httpClient := &http.Client{Timeout: cfg.Schwab.HTTPTimeout}
	vault, err := secrets.NewSupabaseVault(cfg.Supabase.URL, cfg.Supabase.ServiceKey, httpClient)
	if err != nil {
		stdLog.Fatalf("build secret vault: %v", err)
	}
	authSvc, err := auth.NewService(cfg.Schwab, vault, store.OAuthStates, store.Subscriptions, httpClient)
	if err != nil {
		stdLog.Fatalf("build auth service: %v", err)
	}
	rest, err := schwab.NewRESTClient(cfg.Schwab.RESTBaseURL, httpClient)
	if err != nil {
		stdLog.Fatalf("build rest client: %v", err)
	}

	metrics := observability.NewRuntimeMetrics()
	flusher, err := ingest.NewFlusher(store.Securities, store.LevelOne, store.LevelTwo, store.Charts, metrics)
	if err != nil {
		stdLog.Fatalf("build flusher: %v", err)
	}

	supervisor, err := stream.NewSupervisor(newConnector(cfg, authSvc, rest), flusher, cfg.Stream, metrics)
	if err != nil {
		stdLog.Fatalf("build stream supervisor: %v", err)
	}
	differ, err := stream.NewDiffer(store.Subscriptions, supervisor, cfg.OwnerID, cfg.Stream)
	if err != nil {
		stdLog.Fatalf("build subscription differ: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := supervisor.Run(ctx); err != nil {
			logger.Error("stream supervisor exited", observability.F("error", err))
			cancel()
		}
	})
	lifecycle.Go(func() {
		if err := differ.Run(ctx); err != nil {
			logger.Error("subscription differ exited", observability.F("error", err))
			cancel()
		}
	})

	logger.Info("axiomd started",
		observability.F("environment", string(cfg.Environment)),
		observability.F("owner", cfg.OwnerID))
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := supervisor.Stop(shutdownCtx); err != nil {
		logger.Warn("supervisor stop", observability.F("error", err))
	}
	lifecycle.Wait()
	logger.Info("shutdown complete")
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to YAML configuration file (default: %s)", "config/axiom.yaml"))
	migrate := flag.Bool("migrate", false, "Apply embedded database migrations before starting")
	flag.Parse()
	path := *cfgPath
	if path == "" {
		path = "config/axiom.yaml"
	}
	return path, *migrate
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newConnector binds token refresh, streamer-endpoint discovery, dialing,
// and the LOGIN handshake into one reconnect-safe step.
func newConnector(cfg config.Settings, authSvc *auth.Service, rest *schwab.RESTClient) stream.Connector {
	return func(ctx context.Context) (schwab.Streamer, error) {
		token, err := authSvc.AccessToken(ctx, cfg.OwnerID)
		if err != nil {
			return nil, err
		}
		info, err := rest.UserPreferences(ctx, token.AccessToken)
		if err != nil {
			return nil, err
		}
		if info.SocketURL == "" {
			info.SocketURL = cfg.Schwab.StreamerURL
		}
		session, err := schwab.Dial(ctx, info, token.AccessToken)
		if err != nil {
			return nil, err
		}
		if err := session.Login(ctx); err != nil {
			_ = session.Close()
			return nil, err
		}
		return session, nil
	}
}
