package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/stash/pkg/cache"
	"github.com/cuemby/stash/pkg/config"
	"github.com/cuemby/stash/pkg/log"
	"github.com/cuemby/stash/pkg/metrics"
	"github.com/cuemby/stash/pkg/rrl"
	"github.com/cuemby/stash/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stash",
	Short: "Stash - Write-behind, resync-in-background cache daemon",
	Long: `Stash is a write-behind cache that sits in front of a slow backing
store. Reads are served from memory, updates apply in memory immediately
and drain to the store asynchronously, and entries are periodically
resynced so externally-applied changes become visible.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stash version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a bolt-backed cache with an HTTP API and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listenAddr, _ := cmd.Flags().GetString("listen")

		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.FromYAML(configPath)
		} else {
			cfg = config.Default("stash")
			err = cfg.Validate()
		}
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %v", err)
		}
		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		c, err := cache.New[string, []byte, []byte, []byte, []byte, []byte, []byte](cfg, storage.NewAdapter(store))
		if err != nil {
			return fmt.Errorf("failed to create cache: %v", err)
		}
		if err := c.Start(); err != nil {
			return err
		}

		// An echo RRL service so the executor surface is exercised and
		// observable; callers submit arbitrary payloads via the API.
		echo, err := rrl.New[string, string](rrl.Config{
			Name:      cfg.CacheName,
			RateLimit: 50,
			Burst:     10,
		}, rrl.ProcessorFunc[string, string](func(ctx context.Context, input string, attempt int) (string, error) {
			return input, nil
		}))
		if err != nil {
			return fmt.Errorf("failed to create rrl service: %v", err)
		}
		if err := echo.Start(); err != nil {
			return err
		}

		collector := metrics.NewCollector(15 * time.Second)
		collector.AddCache(cfg.CacheName, c)
		collector.AddRRL(cfg.CacheName, echo)
		collector.Start()
		defer collector.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		mux.HandleFunc("/v1/cache/", func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimPrefix(r.URL.Path, "/v1/cache/")
			if key == "" {
				http.Error(w, "missing key", http.StatusBadRequest)
				return
			}
			switch r.Method {
			case http.MethodGet:
				value, err := c.ReadFor(key, 5*time.Second)
				if err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
				w.Write(value)
			case http.MethodPost:
				body, err := io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				if err := c.Preload(key); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
				if _, err := c.ReadFor(key, 5*time.Second); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
				if err := c.WriteIfCached(key, body); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusAccepted)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})

		server := &http.Server{Addr: listenAddr, Handler: mux}
		go func() {
			log.Logger.Info().Str("addr", listenAddr).Msg("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("HTTP server failed", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		echo.ShutdownFor(5 * time.Second)
		if remaining := c.ShutdownFor(10*time.Second, true, false); remaining > 0 {
			log.Logger.Warn().Int("remaining", remaining).Msg("Shutdown left pending items")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("data-dir", "/var/lib/stash", "Data directory for the bolt store")
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
}
