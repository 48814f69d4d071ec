package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketdesk/trading-mcp/cmd/mcp-server/auth"
	"github.com/marketdesk/trading-mcp/cmd/mcp-server/handlers"
	oauthserver "github.com/marketdesk/trading-mcp/cmd/mcp-server/oauth"
	"github.com/marketdesk/trading-mcp/cmd/mcp-server/setup"
	"github.com/marketdesk/trading-mcp/internal/common"
	"github.com/marketdesk/trading-mcp/internal/config"
	"github.com/marketdesk/trading-mcp/internal/events"
	"github.com/marketdesk/trading-mcp/internal/oauth"
	"github.com/marketdesk/trading-mcp/internal/platform"
	"github.com/marketdesk/trading-mcp/internal/reaper"
	"github.com/marketdesk/trading-mcp/internal/storage"
	"github.com/marketdesk/trading-mcp/internal/vault"
	"github.com/marketdesk/trading-mcp/pkg/mcp"
)

func main() {
	logger := common.NewLogger(os.Getenv("LOG_LEVEL"))
	config.LoadEnv("../../.env", logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid OAuth configuration")
	}
	keys, err := oauth.LoadKeyManagerFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load signing key")
	}

	// Postgres when configured, in-memory for local development.
	var store oauth.Storage
	if os.Getenv("OAUTH_DATABASE_URL") != "" || os.Getenv("DATABASE_URL") != "" {
		pg, err := oauth.NewStoreFromEnv()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize OAuth store")
		}
		store = pg
	} else {
		logger.Warn().Msg("no database configured, OAuth state is in-memory and lost on restart")
		store = oauth.NewMemoryStore()
	}
	defer store.Close()

	v, err := vault.NewFromBase64(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid ENCRYPTION_KEY")
	}

	credStore, err := storage.NewCredentialStoreFromEnv(v)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize credential store")
	}
	defer credStore.Close()

	publisher, err := events.NewPublisherFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to the event broker")
	}
	defer publisher.Close()

	platforms := platform.NewClient(platform.AppsFromEnv())

	authServer := oauthserver.NewServer(cfg, keys, store, publisher, logger)
	verifier := auth.NewVerifier(cfg, authServer.Codec(), store)
	middleware := auth.NewMiddleware(verifier, cfg.Issuer, logger)
	bridge := setup.NewBridge(cfg, store, credStore, platforms, publisher, logger)

	mcpServer := mcp.NewServer()
	handlers.NewTradingHandler(credStore, logger).RegisterTools(mcpServer)
	httpServer := mcp.NewHTTPServer(mcpServer)

	mux := http.NewServeMux()

	// OAuth protocol surface.
	mux.HandleFunc("/register", authServer.HandleRegister)
	mux.HandleFunc("/authorize", authServer.HandleAuthorize)
	mux.HandleFunc("/authorize/login", authServer.HandleAuthorizeLogin)
	mux.HandleFunc("/token", authServer.HandleToken)
	mux.HandleFunc("/revoke", authServer.HandleRevoke)
	mux.HandleFunc("/.well-known/oauth-authorization-server", authServer.HandleAuthServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", authServer.HandleProtectedResourceMetadata)
	mux.HandleFunc("/.well-known/jwks.json", authServer.HandleJWKS)

	// Brokerage onboarding.
	mux.HandleFunc("/setup/account", bridge.HandleAccount)
	mux.HandleFunc("GET /setup/{platform}/initiate", middleware.HandlerFunc(bridge.HandleInitiate))
	mux.HandleFunc("GET /setup/{platform}/callback", bridge.HandleCallback)

	// Protected MCP surface.
	mux.HandleFunc("/health", httpServer.HandleHealth)
	mux.Handle("/mcp/tools", middleware.HandlerFunc(httpServer.HandleListTools))
	mux.Handle("/mcp/tools/call", middleware.HandlerFunc(httpServer.HandleToolCall))

	r := reaper.New(store, parseReaperInterval(), logger)
	go r.Run(ctx)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: corsMiddleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", port).Str("issuer", cfg.Issuer).Msg("starting trading MCP server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}

func parseReaperInterval() time.Duration {
	raw := os.Getenv("REAPER_INTERVAL")
	if raw == "" {
		return reaper.DefaultInterval
	}
	interval, err := time.ParseDuration(raw)
	if err != nil || interval <= 0 {
		fmt.Fprintf(os.Stderr, "invalid REAPER_INTERVAL %q, using default\n", raw)
		return reaper.DefaultInterval
	}
	return interval
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
