package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smarzola/ldapgate/internal/adapter"
	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/proxy"
	"github.com/smarzola/ldapgate/internal/server"
	"github.com/smarzola/ldapgate/internal/store"
	"github.com/smarzola/ldapgate/internal/web"
	"github.com/smarzola/ldapgate/pkg/config"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func init() {
	// Only structured slog output reaches stderr
	log.SetOutput(io.Discard)
	log.SetFlags(0)
	log.SetPrefix("")

	backend.Register(store.Class, store.Open)
	backend.Register(proxy.Class, proxy.Open)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "ldapgate",
	Short:        "ldapgate - an LDAP server with pluggable backends",
	Long:         "An LDAP server that delegates every operation to a backend selected at startup (sqlite or proxy)",
	SilenceUsage: true,
}

func init() {
	healthcheckCmd.Flags().String("url", "", "health endpoint (default http://127.0.0.1:$LDAP_WEB_PORT/healthz)")
	healthcheckCmd.Flags().Duration("timeout", 3*time.Second, "request timeout")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(configCmd)
}

func startServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	initLogging(cfg.Logging.Level, cfg.Logging.Format)
	cfg.Print()

	ctx := context.Background()
	logger := slog.Default()

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	slog.Info("Backend opened", "class", cfg.Backend.Class)

	rt, err := adapter.NewRuntime(cfg.LDAP.Runtime)
	if err != nil {
		return err
	}

	registry := backend.NewRegistry(b, logger)
	a := adapter.New(registry,
		adapter.WithRuntime(rt),
		adapter.WithLogger(logger),
		adapter.WithSizeLimit(cfg.LDAP.SizeLimit),
	)

	srv := server.NewServer(cfg, a, version)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("ldapgate server is running", "address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port))

	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(cfg, registry, srv)
		go func() {
			if err := webServer.Start(); err != nil {
				slog.Error("Admin HTTP server stopped", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down server")
	if webServer != nil {
		if err := webServer.Stop(); err != nil {
			slog.Warn("Admin HTTP server shutdown failed", "error", err)
		}
	}
	srv.Stop()
	if err := registry.CloseAll(ctx); err != nil {
		slog.Warn("Failed to close backend sessions", "error", err)
	}
	return nil
}

func initLogging(level, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// healthURL builds the default health endpoint from the admin server
// settings
func healthURL() string {
	port := 8080
	if cfg, err := config.Load(); err == nil {
		port = cfg.Web.Port
	}
	return fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
}

func healthcheck(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %s", resp.Status)
	}
	return nil
}

func printBackendConfig(w io.Writer, bc *config.BackendConfig) {
	source := bc.Source
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(w, "source     %s\n", source)
	fmt.Fprintf(w, "class      %s\n", bc.Class)
	fmt.Fprintf(w, "registered %s\n", strings.Join(backend.Classes(), ", "))
	for _, dir := range bc.ClassPath {
		fmt.Fprintf(w, "classpath  %s\n", dir)
	}
	for _, dir := range bc.LibPath {
		fmt.Fprintf(w, "libpath    %s\n", dir)
	}
	for _, p := range bc.Properties {
		fmt.Fprintf(w, "property   %s %s\n", p.Name, p.Value)
	}
	for _, o := range bc.Options {
		fmt.Fprintf(w, "option     %s\n", o)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the LDAP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return startServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ldapgate version %s (commit: %s)\n", version, commit)
	},
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Query the admin health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if url == "" {
			url = healthURL()
		}
		if err := healthcheck(url, timeout); err != nil {
			return err
		}
		fmt.Println("Health check passed")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved backend configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		printBackendConfig(cmd.OutOrStdout(), &cfg.Backend)
		return nil
	},
}
