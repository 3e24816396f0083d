package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/cs3org/wopibridge/pkg/api"
	"github.com/cs3org/wopibridge/pkg/apps"
	"github.com/cs3org/wopibridge/pkg/apps/codimd"
	"github.com/cs3org/wopibridge/pkg/bridge"
	"github.com/cs3org/wopibridge/pkg/config"
	"github.com/cs3org/wopibridge/pkg/logger"
	"github.com/cs3org/wopibridge/pkg/versions"
	"github.com/cs3org/wopibridge/pkg/wopi"
)

const (
	readHeaderTimeout = 10 * time.Second  // enough for headers on slow links
	readTimeout       = 30 * time.Second  // /save bodies are tiny, /open has none
	writeTimeout      = 6 * time.Minute   // must outlast the request timeout middleware
	idleTimeout       = 120 * time.Second // keep EFSS connections alive for reuse
	shutdownTimeout   = 30 * time.Second  // orchestrator-friendly shutdown time
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WOPI bridge server",
	Long: `Start the WOPI bridge HTTP server and its background save coordinator.
The server exposes the open, save and list endpoints under the configured
application root, next to the index page and the Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().String("app-root", config.DefaultAppRoot, "URL prefix for all bridge endpoints")
	serveCmd.Flags().String("secrets-dir", config.DefaultSecretsDir, "Directory holding wbsecret and the optional TLS material")

	for _, flag := range []string{"port", "app-root", "secrets-dir"} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("failed to bind %s flag: %v", flag, err)
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	defer logger.Sync()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	wopiClient, err := wopi.NewClient(cfg.SkipTLSVerify)
	if err != nil {
		return err
	}

	// a failing adapter is disabled rather than fatal: the others may
	// still serve their file types
	registry := apps.NewRegistry()
	md, mdErr := codimd.New(codimd.Config{
		ExternalURL:   cfg.CodiMDExtURL,
		InternalURL:   cfg.CodiMDURL,
		SecretsDir:    cfg.SecretsDir,
		SkipTLSVerify: cfg.SkipTLSVerify,
	}, wopiClient)
	if mdErr != nil {
		logger.Warnw("disabled CodiMD adapter after failed initialization", "error", mdErr)
	} else {
		registry.Register(md, "md", "zmd", "mds")
	}
	if registry.Empty() {
		return errors.New("none of the available app adapters could be initialized")
	}

	state := bridge.NewState(cfg.SaveInterval, cfg.UnlockInterval)
	coordinator := bridge.NewCoordinator(state, wopiClient, registry, bridge.DefaultWakeInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(cfg.AppRoot, cfg.HashSecret, state, wopiClient, registry),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if mdErr == nil {
		g.Go(func() error {
			// the app may legitimately start after the bridge, so an
			// unreachable app is logged and tolerated
			if err := md.WaitReachable(gctx); err != nil {
				logger.Warnw("CodiMD reachability probe gave up", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		mode := "unsecure"
		if cfg.CertFile != "" {
			mode = "secure"
		}
		logger.Infow("WOPI bridge started", "version", versions.GetVersionInfo().String(),
			"mode", mode, "port", cfg.Port, "approot", cfg.AppRoot)
		var err error
		if cfg.CertFile != "" {
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down the server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
