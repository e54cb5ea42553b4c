package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nichiyoo/open-webui-vanna/internal/api"
	"github.com/nichiyoo/open-webui-vanna/internal/config"
	"github.com/nichiyoo/open-webui-vanna/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vanna server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vanna server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vanna.pid")
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

// newRouter mounts the chat-completion surface at the root and the question
// API under /api.
func newRouter(a *app) http.Handler {
	top := chi.NewRouter()
	top.Mount("/api", api.NewQuestionHandler(api.QuestionDeps{
		Questions: a.questions,
		Runs:      a.runLister(),
		Trainer:   a.trainer,
		Token:     a.cfg.Server.APIToken,
	}))
	top.Mount("/", api.NewOpenAIHandler(api.ChatDeps{
		Pipeline: a.pipeline,
		Limiter:  a.limiter(),
		Metrics:  a.metrics,
		Token:    a.cfg.Server.APIToken,
	}))
	return top
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "vanna version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(cfg.Server.BaseURL() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running at %s", cfg.Server.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing stores", "error", err)
		}
	}()

	if err := engine.EnsureReady(ctx, os.Stderr, a.checks()...); err != nil {
		printWarning("%v; starting anyway", err)
	}
	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is not set; the question API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", srv.Addr, "cache", cfg.Cache.Backend, "run_history", a.runs != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if a.sweeper != nil {
		g.Go(func() error {
			a.sweeper.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("vanna is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop vanna (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to vanna (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running at %s", client.baseURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	eng := newRemoteEngine(cfg.Engine)
	printStatus("Engine", "%s (%s, %s protocol)", reachability(eng.IsRunning(ctx)), cfg.Engine.BaseURL, cfg.Engine.Protocol)
	if cfg.Engine.SQLitePath != "" {
		printStatus("SQL executor", "sqlite %s", cfg.Engine.SQLitePath)
	}

	comp := newCompletionClient(cfg)
	printStatus("Completion", "%s (%s, model %s)", reachability(completionProbe(comp)(ctx)), cfg.Completion.BaseURL, cfg.Completion.Model)

	printStatus("Cache", "%s, ttl %s", cfg.Cache.Backend, cfg.Cache.TTL)
	if running {
		var runs []json.RawMessage
		resp, err := client.get(ctx, "/api/runs?limit=100")
		if err == nil && decodeJSON(resp, &runs) == nil {
			printStatus("Recent runs", "%s", countLabel(len(runs), 100))
		}
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func reachability(ok bool) string {
	if ok {
		return colorize(colorGreen, "reachable")
	}
	return colorize(colorRed, "unreachable")
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
