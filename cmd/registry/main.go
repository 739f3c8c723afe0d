// Command registry runs the Drift container image registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/driftlabs/drift/configuration"
	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/registry/handlers"
	"github.com/driftlabs/drift/version"

	// Register the storage backends.
	_ "github.com/driftlabs/drift/registry/storage/filesystem"
	_ "github.com/driftlabs/drift/registry/storage/inmemory"
	_ "github.com/driftlabs/drift/registry/storage/s3"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfigError = 64
	exitBackendInit = 70
	exitInterrupt   = 130
)

// uploadReaperInterval is how often idle upload sessions are checked.
const uploadReaperInterval = 5 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var bindAddr string
	exitCode := exitOK

	rootCmd := &cobra.Command{
		Use:           "registry",
		Short:         "Drift container image registry",
		Long:          "An OCI distribution registry with content-addressed storage, resumable uploads and mark-and-sweep garbage collection.",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := serve(configPath, bindAddr)
			exitCode = code
			return err
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the TOML configuration file")
	rootCmd.Flags().StringVar(&bindAddr, "bind", "", "address to bind the registry API, overriding the configuration")
	rootCmd.MarkFlagRequired("config")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == exitOK {
			exitCode = exitConfigError
		}
	}
	return exitCode
}

func serve(configPath, bindAddr string) (int, error) {
	logrus.SetLevel(configuration.LogLevel())
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	config, err := configuration.Parse(configPath)
	if err != nil {
		return exitConfigError, err
	}
	if bindAddr != "" {
		config.Server.BindAddr = bindAddr
	}

	ctx, cancel := context.WithCancel(dcontext.WithVersion(dcontext.Background(), version.Version))
	defer cancel()

	log := dcontext.GetLogger(ctx)

	app, err := handlers.NewApp(ctx, config)
	if err != nil {
		return exitBackendInit, err
	}

	go app.Collector().RunScheduler(ctx)
	go app.Uploads().RunReaper(ctx, uploadReaperInterval)

	server := &http.Server{
		Addr:        config.Server.BindAddr,
		Handler:     app.Handler(),
		ReadTimeout: 15 * time.Minute,
		IdleTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("registry listening on %s (storage=%s auth=%q)",
			config.Server.BindAddr, config.Storage.Type, config.Auth.Mode)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
		if sig == syscall.SIGINT {
			exitCode = exitInterrupt
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitBackendInit, err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
	cancel()

	return exitCode, nil
}
