package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pptb-app/pptb/internal/config"
	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/daemon"
	"github.com/pptb-app/pptb/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	var listenAddr string
	var registryURL string

	rootCmd := &cobra.Command{
		Use:           "pptbd",
		Short:         "Dataverse toolbox supervisor - hosts tools and serves the shell IPC endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(listenAddr, registryURL)
		},
	}
	rootCmd.Flags().StringVar(&listenAddr, "listen", daemon.DefaultListenAddr, "loopback address for the IPC endpoint")
	rootCmd.Flags().StringVar(&registryURL, "registry", "", "override the tool registry endpoint")
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(listenAddr, registryURL string) error {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	paths, err := config.EnsureDirs()
	if err != nil {
		return fmt.Errorf("failed to prepare supervisor directories: %w", err)
	}

	if daemon.IsRunning(paths) {
		return fmt.Errorf("supervisor is already running")
	}

	st, err := store.Open(store.Options{DBPath: paths.ConfigDB})
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	defer st.Close()

	d, err := daemon.New(daemon.Options{
		Store:       st,
		Paths:       paths,
		ListenAddr:  listenAddr,
		RegistryURL: registryURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Start()
	}()

	log.Printf("Supervisor started (PID: %d)", os.Getpid())

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		if err := d.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.Printf("Supervisor error: %v", err)
			return err
		}
	}

	log.Println("Supervisor stopped")
	return nil
}

func setupLogging() error {
	paths, err := config.EnsureDirs()
	if err != nil {
		return fmt.Errorf("initialise supervisor directories: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Supervisor Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
