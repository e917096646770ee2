package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/i2y/mcpgate/internal/adapter/inbound/mcpbridge"
	"github.com/i2y/mcpgate/internal/adapter/inbound/mcphttp"
	"github.com/i2y/mcpgate/internal/adapter/outbound/redisqueue"
	"github.com/i2y/mcpgate/internal/usecase"
)

var serveTransport string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway: admin API, registry and the MCP endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTransport, "transport", "sse", "MCP transport: sse, http or stdio")
}

func runServe(cmd *cobra.Command, _ []string) error {
	switch serveTransport {
	case "sse", "http", "stdio":
	default:
		return fmt.Errorf("invalid transport %q: want sse, http or stdio", serveTransport)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Configuration ===
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// === Logging ===
	logger, closeLog := newLogger(cfg, serveTransport == "stdio")
	defer closeLog()
	logger.Info("Logger initialized.", slog.String("level", cfg.ParsedLogLevel().String()), slog.String("transport", serveTransport))

	// === OpenTelemetry Initialization ===
	shutdownOtel, err := initOtelProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		if err := shutdownOtel(context.Background()); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry providers.", slog.Any("error", err))
		}
	}()

	// === Dependency Injection ===
	c, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	gw := newGateway(c)
	tasks := usecase.NewTaskRunner(ctx, logger)

	var dispatcher *usecase.Dispatcher
	if cfg.RedisURL != "" {
		broker, err := redisqueue.New(redisqueue.Options{URL: cfg.RedisURL}, logger)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, broker.Close)
		dispatcher = usecase.NewDispatcher(broker, usecase.DispatchOptions{
			Queue:   cfg.RequestQueue,
			Channel: cfg.ResponseChannel,
			Timeout: cfg.DispatchTimeout,
		}, logger)
		tasks.Go("dispatcher", dispatcher.Listen)
		select {
		case <-dispatcher.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
		logger.Info("Queued dispatch enabled.", slog.String("queue", cfg.RequestQueue))
	}

	invoke := usecase.NewInvokeToolUseCase(gw.registry, dispatcher, cfg.DispatchTimeout, logger)
	serveTools := usecase.NewServeToolsUseCase(gw.registry, logger)

	// === MCP Server (mark3labs/mcp-go) ===
	mcpSrv := mcpserver.NewMCPServer(serviceName, version, mcpserver.WithToolCapabilities(true))
	bridge := mcpbridge.New(mcpSrv, serveTools, invoke, logger)
	gw.registry.AddObserver(bridge.OnStateChange)
	tasks.Go("mcp-bridge", func(ctx context.Context) error { return bridge.Run(ctx, cfg.ToolsRefresh) })

	if err := gw.start(ctx); err != nil {
		return err
	}
	bridge.Notify()
	tasks.Go("health-checks", func(ctx context.Context) error { return gw.registry.RunHealthChecks(ctx, cfg.HealthInterval) })

	// === Admin HTTP Server ===
	adminMux := http.NewServeMux()
	mcphttp.NewHandlers(gw.servers, gw.registry, invoke, gw.sync, tasks, logger).RegisterAdminRoutes(adminMux)
	adminServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      adminMux,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}
	tasks.Go("admin-http", func(ctx context.Context) error {
		logger.Info("Admin HTTP server starting.", slog.String("address", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin HTTP server: %w", err)
		}
		return nil
	})

	// === Transport Mode Selection ===
	var shutdownMCP func(context.Context) error
	switch serveTransport {
	case "stdio":
		logger.Info("Starting in STDIO mode")
		stdio := mcpserver.NewStdioServer(mcpSrv)
		tasks.Go("mcp-stdio", func(ctx context.Context) error {
			err := stdio.Listen(ctx, os.Stdin, os.Stdout)
			// End of input ends the session and the process.
			stop()
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stdio server: %w", err)
			}
			return nil
		})
	case "sse":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost" + cfg.ListenAddr
		}
		sse := mcpserver.NewSSEServer(mcpSrv, mcpserver.WithBaseURL(baseURL))
		shutdownMCP = sse.Shutdown
		tasks.Go("mcp-sse", func(ctx context.Context) error {
			logger.Info("MCP SSE server starting.", slog.String("address", cfg.ListenAddr), slog.String("base_url", baseURL))
			if err := sse.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("MCP SSE server: %w", err)
			}
			return nil
		})
	case "http":
		streamable := mcpserver.NewStreamableHTTPServer(mcpSrv)
		shutdownMCP = streamable.Shutdown
		tasks.Go("mcp-http", func(ctx context.Context) error {
			logger.Info("MCP streamable HTTP server starting.", slog.String("address", cfg.ListenAddr))
			if err := streamable.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("MCP HTTP server: %w", err)
			}
			return nil
		})
	}

	// Wait for a signal or a failed task.
	<-tasks.Context().Done()

	// === Shutdown ===
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin HTTP server graceful shutdown failed.", slog.Any("error", err))
	}
	if shutdownMCP != nil {
		if err := shutdownMCP(shutdownCtx); err != nil {
			logger.Error("MCP server graceful shutdown failed.", slog.Any("error", err))
		}
	}
	gw.registry.Shutdown(shutdownCtx)
	if dispatcher != nil {
		_ = dispatcher.Close()
	}

	err = tasks.Wait()
	logger.Info("Gateway stopped.")
	return err
}
