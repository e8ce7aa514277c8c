package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mosich/moonchat/internal/api"
	"github.com/mosich/moonchat/internal/cache"
	"github.com/mosich/moonchat/internal/chat"
	"github.com/mosich/moonchat/internal/config"
	"github.com/mosich/moonchat/internal/ingest"
	"github.com/mosich/moonchat/internal/session"
	"github.com/mosich/moonchat/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the moonchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		localIngest, _ := cmd.Flags().GetBool("local-ingest")
		return runServer(localIngest)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running moonchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show moonchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("local-ingest", false, "extract file content locally instead of uploading to the provider")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "moonchat.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseDurationOr(value string, fallback time.Duration, what string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration, using default", "setting", what, "value", value, "default", fallback, "error", err)
		return fallback
	}
	return d
}

func runServer(localIngest bool) error {
	fmt.Fprintf(os.Stderr, "moonchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("moonchat is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("moonchat is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the content cache over the chosen ingester.
	var ingester cache.Ingester
	if localIngest {
		ingester = ingest.NewLocal()
		slog.Info("using local file extraction")
	} else {
		ingester = ingest.NewUploader(cfg.API.BaseURL, cfg.API.Key, cfg.API.Model)
	}
	contentCache := cache.New(store, ingester)

	// Build the session store.
	idleTimeout := parseDurationOr(cfg.Session.IdleTimeout, session.DefaultIdleTimeout, "session.idle_timeout")
	knowledgeTTL := parseDurationOr(cfg.Session.KnowledgeTTL, session.DefaultKnowledgeTTL, "session.knowledge_ttl")
	sessions, err := session.NewStore(contentCache, session.Options{
		SnapshotDir:   filepath.Join(cfg.Storage.DataDir, "sessions"),
		Persona:       cfg.Session.Persona,
		KnowledgeFile: cfg.Session.KnowledgeFile,
		IdleTimeout:   idleTimeout,
		MaxMessages:   cfg.Session.MaxMessages,
		KnowledgeTTL:  knowledgeTTL,
	})
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	// Build the chat service.
	client := chat.NewClientWithBaseURL(cfg.API.Key, cfg.API.Model, cfg.API.BaseURL)
	svc := chat.NewService(client, sessions, store)

	deps := api.Deps{
		Chat:        svc,
		Sessions:    sessions,
		Cache:       contentCache,
		IdleTimeout: idleTimeout,
		MaxMessages: cfg.Session.MaxMessages,
		Token:       cfg.Server.Token,
	}
	if cfg.Server.Token == "" {
		slog.Warn("no server token configured, management API is unauthenticated")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "moonchat listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("moonchat is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop moonchat (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to moonchat (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("API base URL", "%s", cfg.API.BaseURL)
	printStatus("Model", "%s", cfg.API.Model)
	printStatus("Session idle timeout", "%s", cfg.Session.IdleTimeout)
	printStatus("Session message cap", "%d", cfg.Session.MaxMessages)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
