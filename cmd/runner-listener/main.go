// Package main is the entry point for the runner-listener binary. It wires
// every internal package together and drives the message loop until a
// terminal exit code or signal.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load persisted RunnerSettings (fail if not configured)
//  4. Build the credential provider (static or JWT-bearer)
//  5. Create the long-poll session
//  6. Build the job dispatcher (spawns runner-worker per job)
//  7. Build the message dispatcher Loop and run it
//  8. Block until SIGINT/SIGTERM or a terminal exit code, then shut down
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/auth"
	"github.com/coreactions/runner/internal/dispatcher"
	"github.com/coreactions/runner/internal/httpconfig"
	"github.com/coreactions/runner/internal/jobdispatch"
	"github.com/coreactions/runner/internal/proxy"
	"github.com/coreactions/runner/internal/selfupdate"
	"github.com/coreactions/runner/internal/session"
	"github.com/coreactions/runner/internal/settings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	rootDir    string
	workerPath string
	token      string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "runner-listener",
		Short: "CI job runner listener — maintains the orchestrator session and dispatches jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			code := run(cmd.Context(), cfg)
			os.Exit(int(code))
			return nil
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.rootDir, "root", envOrDefault("RUNNER_ROOT", defaultRootDir()), "runner settings/credentials directory")
	root.PersistentFlags().StringVar(&cfg.workerPath, "worker-path", envOrDefault("RUNNER_WORKER_PATH", defaultWorkerPath()), "path to the runner-worker binary")
	root.PersistentFlags().StringVar(&cfg.token, "token", os.Getenv("RUNNER_TOKEN"), "static bearer token override (bypasses JWT-bearer credential minting)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RUNNER_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runner-listener %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) dispatcher.ExitCode {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return dispatcher.ExitFatal
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rs, err := settings.Load(cfg.rootDir)
	if err != nil {
		logger.Error("runner is not configured, run the configure command first", zap.Error(err))
		return dispatcher.ExitFatal
	}

	logger.Info("starting runner-listener",
		zap.String("version", version),
		zap.String("server", rs.ServerURL),
		zap.Uint64("agentId", rs.AgentID),
		zap.String("agentName", rs.AgentName),
	)

	proxyCfg := proxy.FromEnvironment()
	httpClient := httpconfig.Client(proxyCfg.Transport(nil))

	var tokenProv auth.Provider
	if cfg.token != "" {
		tokenProv = auth.NewStaticProvider(cfg.token)
	} else {
		key, err := loadPrivateKey(cfg.rootDir)
		if err != nil {
			logger.Error("failed to load credentials private key", zap.Error(err))
			return dispatcher.ExitFatal
		}
		tokenProv = auth.NewJWTBearerProvider(rs.ServerURL, fmt.Sprintf("%d", rs.AgentID), key, httpClient)
	}

	sessionMgr := session.New(session.Config{
		BaseURL:    rs.ServerURL,
		PoolId:     rs.PoolID,
		AgentId:    rs.AgentID,
		AgentName:  rs.AgentName,
		HTTPClient: httpClient,
		TokenProv:  tokenProv,
		Logger:     logger,
	})

	if err := sessionMgr.CreateSession(ctx); err != nil {
		logger.Error("failed to create session", zap.Error(err))
		return dispatcher.ExitFatal
	}

	jobDispatcher := jobdispatch.New(cfg.workerPath, rs.WorkFolder, logger)

	defer func() {
		// Best-effort; the session endpoint itself treats this as advisory
		// (spec §4.1 "Session lifecycle"). Worker teardown and session
		// deletion are independent failures, so both run and their errors
		// are reported together rather than one masking the other.
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		if err := multierr.Append(jobDispatcher.Shutdown(shCtx), sessionMgr.DeleteSession(shCtx)); err != nil {
			logger.Warn("shutdown teardown reported errors", zap.Error(err))
		}
	}()

	updater := selfupdate.New(filepath.Join(cfg.rootDir, "_update"), httpClient, logger)

	loop := dispatcher.New(dispatcher.Config{
		SessionMgr:  sessionMgr,
		Jobs:        jobDispatcher,
		Updater:     updater,
		HTTPClient:  httpClient,
		Logger:      logger,
		SettingsDir: cfg.rootDir,
	})

	code := loop.Run(ctx)
	logger.Info("runner-listener stopped", zap.Int("exitCode", int(code)))
	return code
}

func defaultRootDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func defaultWorkerPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "runner-worker"
	}
	return filepath.Join(filepath.Dir(exe), workerBinaryName())
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
