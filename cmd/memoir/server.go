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

	"github.com/memoird/memoir/internal/api"
	"github.com/memoird/memoir/internal/config"
	"github.com/memoird/memoir/internal/jobs"
	"github.com/memoird/memoir/internal/knowledge"
	"github.com/memoird/memoir/internal/ledger"
	"github.com/memoird/memoir/internal/notify"
	"github.com/memoird/memoir/internal/query"
	"github.com/memoird/memoir/internal/ranking"
	"github.com/memoird/memoir/internal/storage"
)

const sweepInterval = time.Hour

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the memoir daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running memoir daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memoir system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "memoir.pid")
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

func initLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "memoir version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogging(cfg.Log.Level)

	// Refuse to double-start. The health endpoint is the source of truth;
	// the PID file only names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("memoir is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("memoir is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage and the operation ledger.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	led, err := ledger.Open(filepath.Join(cfg.Storage.DataDir, "operations.json"))
	if err != nil {
		return fmt.Errorf("opening operation ledger: %w", err)
	}

	// Knowledge engine is external; a dead engine fails finish jobs, not
	// the daemon.
	kc := knowledge.New(cfg.Knowledge.BaseURL)
	if !kc.IsRunning(ctx) {
		printWarning("knowledge engine not reachable at %s; finish jobs will fail until it is up", cfg.Knowledge.BaseURL)
	}

	notifier := notify.NewNotifier(
		notify.LogSink{},
		notify.NewJournal(filepath.Join(cfg.Storage.DataDir, "events.jsonl")),
		cfg.Notify.ThrottleWindow(),
	)

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own binary path: %w", err)
	}

	mgr := jobs.NewManager(jobs.Options{
		Ledger:        led,
		Store:         store,
		StubDir:       filepath.Join(cfg.Storage.DataDir, "stubs"),
		Spawn:         jobs.ProcessSpawner(self, "finish"),
		Notifier:      notifier,
		Workspace:     cfg.Workspace,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		MaxQueued:     cfg.Jobs.MaxQueued,
		ShutdownGrace: cfg.Jobs.ShutdownGrace(),
	})

	// Restore state from a previous run before accepting new work.
	mgr.ReconcileOnStartup()

	led.StartSweeper(ctx, sweepInterval, cfg.Retention.CompletedTTL(), cfg.Retention.FailedTTL())

	engine := query.NewEngine(kc, ranking.Config{HalfLifeDays: cfg.Ranking.HalfLifeDays})

	handler := api.NewHandler(api.Deps{
		Jobs:      mgr,
		Query:     engine,
		Token:     cfg.API.Token,
		Workspace: cfg.Workspace,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Jobs:      mgr,
		Query:     engine,
		Workspace: cfg.Workspace,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "memoir listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Jobs.ShutdownGrace()+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	// Workers last: they are the only thing holding unmerged outcomes.
	return mgr.Shutdown(shutdownCtx)
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
		printError("memoir is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop memoir (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to memoir (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	engineResp, err := client.Get(strings.TrimRight(cfg.Knowledge.BaseURL, "/") + "/health")
	if err != nil {
		printStatus("Knowledge engine", "not running")
	} else {
		engineResp.Body.Close()
		printStatus("Knowledge engine", "running at %s", cfg.Knowledge.BaseURL)
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if opsResp, err := c.get(context.Background(), "/operations"); err == nil {
				var ops []struct {
					Status string `json:"status"`
				}
				if decodeJSON(opsResp, &ops) == nil {
					counts := map[string]int{}
					for _, op := range ops {
						counts[op.Status]++
					}
					printStatus("Operations", "%d total (%d running, %d pending, %d failed)",
						len(ops), counts["running"], counts["pending"], counts["failed"])
				}
			}
		}
	}

	printStatus("Workspace", "%s", cfg.Workspace)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
