package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"

	"storefront/internal/auth"
	"storefront/internal/catalog"
	"storefront/internal/cleanup"
	"storefront/internal/config"
	"storefront/internal/gallery"
	"storefront/internal/httpserver"
	"storefront/internal/logging"
	"storefront/internal/upload"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	var (
		cfgPath = flag.String("config", "", "path to config json (optional)")
		addr    = flag.String("addr", "", "listen address (overrides config and env)")
		images  = flag.String("images", "", "image root (overrides config and env)")
		data    = flag.String("data", "", "data dir for catalog and staging (overrides config and env)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		exitf("config: %v", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		exitf("config env: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *images != "" {
		cfg.ImagesDir = *images
	}
	if *data != "" {
		cfg.DataDir = *data
	}
	if err := cfg.Validate(); err != nil {
		exitf("config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		exitf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("storefront stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	verifier, err := auth.FromConfig(cfg.Admin)
	if err != nil {
		return errors.Wrap(err, "admin credential")
	}
	if verifier == auth.DenyAll {
		logger.Warn("no admin secret configured; every admin request will be refused")
	} else if cfg.Admin.SecretBcrypt == "" {
		logger.Warn("admin secret is stored in plaintext; prefer secretBcrypt (storefront passwd)")
	}

	uploads, err := upload.New(upload.OptionsFromConfig(cfg), logger.Named("upload"))
	if err != nil {
		return err
	}
	defer uploads.Close()

	repo, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("catalog close", zap.Error(err))
		}
	}()

	svc := catalog.NewService(repo, uploads, cfg.PlaceholderImage, cfg.ProductURLPrefix(), logger.Named("catalog"))
	index := gallery.New(cfg.ImagesDir, cfg.Gallery.HistoryLimit, cfg.Gallery.CapacityBytes, cfg.PlaceholderPath())

	sched := cleanup.NewScheduler()
	ttl := time.Duration(cfg.Upload.StagingTTLMinutes) * time.Minute
	if _, err := cleanup.Schedule(sched, cfg.Upload.CleanupSchedule, cfg.StagingDir(), ttl, logger.Named("cleanup")); err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	srv, err := httpserver.New(httpserver.Options{
		Config:  cfg,
		Gate:    auth.NewGate(verifier, cfg.Admin),
		Uploads: uploads,
		Catalog: svc,
		Gallery: index,
		Logger:  logger.Named("http"),
	})
	if err != nil {
		return errors.Wrap(err, "server init")
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConns)

	hs := &http.Server{
		Handler:           withHeaders(srv.Handler()),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storefront listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("images", cfg.ImagesDir),
			zap.String("data", cfg.DataDir),
			zap.String("catalog", cfg.CatalogBackend))
		if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, shutdownSignals...)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve")
	case sig := <-quit:
		logger.Info("shutdown signal received, draining connections", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	m := &uploads.Metrics
	logger.Info("storefront stopped",
		zap.Int64("uploads", m.Uploads.Load()),
		zap.Int64("failures", m.Failures.Load()),
		zap.Int64("bytes_written", m.BytesWritten.Load()),
		zap.Int64("deletes", m.Deletes.Load()))
	return nil
}

func openCatalog(cfg config.Config) (catalog.Repository, error) {
	if cfg.CatalogBackend == "bolt" {
		r, err := catalog.OpenBolt(cfg.CatalogPath())
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := catalog.OpenFile(cfg.CatalogPath())
	if err != nil {
		return nil, err
	}
	return r, nil
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		secret = fs.String("p", "", "admin secret (required)")
		cost   = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "usage: storefront passwd -p <secret>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*secret), *cost)
	if err != nil {
		exitf("bcrypt: %v", err)
	}
	fmt.Println(string(h))
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "storefront: "+format+"\n", args...)
	os.Exit(1)
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		// image handlers set their own caching
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
