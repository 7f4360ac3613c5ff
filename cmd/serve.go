package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ambientlabs/mcp-gateway/insights"
	"github.com/ambientlabs/mcp-gateway/instrumentation"
	"github.com/ambientlabs/mcp-gateway/internal/config"
	"github.com/ambientlabs/mcp-gateway/oauth"
	"github.com/ambientlabs/mcp-gateway/storage"
	"github.com/ambientlabs/mcp-gateway/storage/memory"
	"github.com/ambientlabs/mcp-gateway/storage/valkey"
)

const serverShutdownTimeout = 10 * time.Second

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway and the insights tool server",
	Long: `Starts the insights MCP server on its loopback address, then the
OAuth gateway in front of it. The gateway terminates TLS when certificates
are configured and shuts both servers down gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to the gateway config file (YAML)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "mcp-gateway",
		ServiceVersion: rootCmd.Version,
		Enabled:        cfg.Telemetry.Enabled,
		LogClientIPs:   cfg.Telemetry.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Error("Instrumentation shutdown failed", "error", err)
		}
	}()

	clientStore, codeStore, tokenStore, closeStorage, err := buildStorage(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer closeStorage()

	insightsService, err := insights.NewService(cfg.Insights.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize insights service: %w", err)
	}
	insightsServer := insights.NewServer(insightsService, rootCmd.Version, logger)

	insightsErr := make(chan error, 1)
	go func() {
		insightsErr <- insightsServer.ListenAndServe(ctx, cfg.Insights.ListenAddr)
	}()

	oauthServer, err := oauth.NewServer(clientStore, codeStore, tokenStore, &oauth.ServerConfig{
		Issuer:               cfg.Server.ExternalURL,
		AuthorizationCodeTTL: cfg.OAuth.AuthorizationCodeTTL,
		AccessTokenTTL:       cfg.OAuth.AccessTokenTTL,
		SkipUserAuth:         cfg.OAuth.SkipUserAuth,
		DefaultSubject:       cfg.OAuth.DefaultSubject,
		TrustProxy:           cfg.Server.TrustProxy,
		TrustedProxyCount:    cfg.Server.TrustedProxyCount,
		MaxClientsPerIP:      cfg.OAuth.MaxClientsPerIP,
		SupportedScopes:      cfg.OAuth.SupportedScopes,
	}, logger)
	if err != nil {
		return err
	}

	oauthServer.SetInstrumentation(inst)

	handler, err := oauth.NewHandler(oauthServer, &oauth.Config{
		Resource:        cfg.Server.ExternalURL,
		UpstreamURL:     "http://" + cfg.Insights.ListenAddr,
		SupportedScopes: cfg.OAuth.SupportedScopes,
		RateLimit: oauth.RateLimitConfig{
			Rate:  cfg.OAuth.RateLimit.Rate,
			Burst: cfg.OAuth.RateLimit.Burst,
		},
		Security: oauth.SecurityConfig{
			EnableAuditLogging: cfg.OAuth.EnableAuditLogging,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway handler: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gatewayErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS.Disabled {
			logger.Warn("TLS termination disabled, serving plain HTTP",
				"addr", cfg.Server.ListenAddr)
			err = httpServer.ListenAndServe()
		} else {
			logger.Info("Gateway listening",
				"addr", cfg.Server.ListenAddr,
				"issuer", cfg.Server.ExternalURL)
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		gatewayErr <- err
	}()

	select {
	case err := <-gatewayErr:
		if err != nil {
			return fmt.Errorf("gateway server failed: %w", err)
		}
	case err := <-insightsErr:
		if err != nil {
			return fmt.Errorf("insights server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway shutdown failed", "error", err)
	}

	// The insights server shuts itself down when ctx is canceled
	stop()
	if err := <-insightsErr; err != nil {
		logger.Error("Insights server shutdown failed", "error", err)
	}

	return nil
}

// buildStorage constructs the configured backend. The returned close
// function is safe to call once on shutdown.
func buildStorage(cfg config.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.ClientStore, storage.CodeStore, storage.TokenStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendValkey:
		encryptionKey, err := cfg.Storage.Valkey.DecodedEncryptionKey()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		store, err := valkey.New(valkey.Config{
			Address:       cfg.Storage.Valkey.Address,
			Password:      cfg.Storage.Valkey.Password,
			DB:            cfg.Storage.Valkey.DB,
			KeyPrefix:     cfg.Storage.Valkey.KeyPrefix,
			EncryptionKey: encryptionKey,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, store, store, store.Close, nil
	default:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, store, store, store.Stop, nil
	}
}
