package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/panflux/sdk-go/internal/config"
	"github.com/panflux/sdk-go/internal/logging"
	"github.com/panflux/sdk-go/internal/mcpserver"
	"github.com/panflux/sdk-go/internal/session"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	listenAddr := flag.String("listen-addr", os.Getenv("PANFLUX_MCP_LISTEN_ADDR"), "serve streamable HTTP on this address instead of stdio")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("panflux-mcp starting",
		slog.String("version", Version),
		slog.String("client_id", cfg.ClientID),
		slog.Bool("confidential", cfg.Confidential()),
	)

	s, err := session.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "panflux-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, s)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// The login is abandoned once the server stops.
	loginCtx, cancelLogin := context.WithCancel(gctx)
	defer cancelLogin()

	// Log in up front so the first tool call does not wait on the browser.
	g.Go(func() error {
		if _, err := s.EnsureToken(loginCtx); err != nil && loginCtx.Err() == nil {
			logger.Warn("initial login failed, tools will retry", slog.String("error", err.Error()))
		}

		return nil
	})

	g.Go(func() error {
		defer cancelLogin()

		if *listenAddr == "" {
			return serveStdio(gctx, mcpServer)
		}

		return serveHTTP(gctx, mcpServer, *listenAddr, logger)
	})

	return g.Wait()
}

func serveStdio(ctx context.Context, server *mcp.Server) error {
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving stdio: %w", err)
	}

	return nil
}

func serveHTTP(ctx context.Context, server *mcp.Server, addr string, logger *slog.Logger) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", slog.String("listen", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
