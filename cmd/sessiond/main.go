// Command sessiond serves an HTTP application whose sessions are kept in the
// shared session table, with administrative routes to inspect and purge them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Morditux/sharedsession"
	"github.com/Morditux/sharedsession/internal/config"
	"github.com/Morditux/sharedsession/internal/logging"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "sessiond:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	cfg.ApplyEnv(os.Getenv)

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := sharedsession.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	var metrics *sharedsession.Metrics
	if cfg.Metrics.Enabled {
		metrics = sharedsession.NewMetrics(reg)
	}

	handler, store, err := sharedsession.NewSaveHandler(ctx, cfg.StoreConfig(), cfg.CookieConfig(),
		sharedsession.WithCodec(codec),
		sharedsession.WithLogger(log),
		sharedsession.WithMetrics(metrics),
	)
	if err != nil {
		return errors.Wrap(err, "open session store")
	}
	// The store is closed last, after the server stopped taking requests
	// and every in-flight session has committed.
	if store != nil {
		defer store.Close()
	}

	mgr := sharedsession.NewManager(handler, sharedsession.Config{
		Cookie:          cfg.CookieConfig(),
		Codec:           codec,
		MaxLifetime:     cfg.MaxLifetime,
		CleanupInterval: cfg.CleanupInterval,
		TrustProxy:      cfg.HTTP.TrustProxy,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		Logger:          log,
	})
	defer mgr.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: newRouter(routerDeps{
			manager:  mgr,
			store:    store,
			registry: reg,
			metrics:  cfg.Metrics.Enabled,
			admin:    gin.Accounts(cfg.HTTP.Admin.Accounts),
			log:      log,
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("sessiond listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("database", store != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
