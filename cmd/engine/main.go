// Package main is the entry point for the control-plane engine: it loads
// configuration, clones (or fetches) the target repository, constructs the
// tracker client and the engine, and runs until an interrupt or term signal
// arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/config"
	"github.com/ridgeline-labs/controlplane/internal/engine"
	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/repoclone"
	"github.com/ridgeline-labs/controlplane/internal/trackerclient"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting control-plane engine")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Clone or fetch the target repository
	owner, name, err := splitRepository(cfg.Repository)
	if err != nil {
		log.Fatal("invalid repository", zap.Error(err))
	}

	cloneURL, err := cloneURLFor(ctx, cfg, owner, name)
	if err != nil {
		log.Fatal("failed to build clone url", zap.Error(err))
	}

	cloner := repoclone.NewCloner(repoclone.Config{BasePath: cfg.Worktree.BasePath}, "https", log)
	repoPath, err := cloner.EnsureCloned(ctx, cloneURL, owner, name)
	if err != nil {
		log.Fatal("failed to clone repository", zap.Error(err))
	}
	log.Info("repository ready", zap.String("path", repoPath))

	// 5. Construct the tracker client
	tracker, err := trackerclient.New(cfg, log)
	if err != nil {
		log.Fatal("failed to construct tracker client", zap.Error(err))
	}

	// 6. Construct the engine
	eng, err := engine.New(*cfg, log, tracker, repoPath)
	if err != nil {
		log.Fatal("failed to construct engine", zap.Error(err))
	}

	// 7. Start the engine
	if err := eng.Start(ctx); err != nil {
		log.Fatal("failed to start engine", zap.Error(err))
	}
	log.Info("engine started")

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down engine...")

	// 9. Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutTime())
	defer shutdownCancel()
	eng.Shutdown(shutdownCtx)

	log.Info("engine stopped")
}

func splitRepository(repository string) (owner, name string, err error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q must be in owner/repo form", repository)
	}
	return parts[0], parts[1], nil
}

// cloneURLFor builds an HTTPS clone URL carrying short-lived credentials for
// whichever auth mode is configured, mirroring trackerclient's App-vs-PAT
// branching. Kept local to main rather than added to trackerclient.Client,
// since no other caller needs a clone URL and the interface is already
// implemented by every tracker fake in the test suite.
func cloneURLFor(ctx context.Context, cfg *config.Config, owner, name string) (string, error) {
	if cfg.AppID != 0 && cfg.PrivateKeyPath != "" && cfg.InstallationID != 0 {
		tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
		if err != nil {
			return "", fmt.Errorf("load github app private key: %w", err)
		}
		token, err := tr.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("mint github app installation token: %w", err)
		}
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, name), nil
	}
	if cfg.Token != "" {
		return fmt.Sprintf("https://%s@github.com/%s/%s.git", cfg.Token, owner, name), nil
	}
	return "", fmt.Errorf("no credentials configured: set appID/privateKeyPath/installationID or token")
}
