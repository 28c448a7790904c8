package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxy-pool/pkg/api"
	"proxy-pool/pkg/database"
	"proxy-pool/pkg/fetcher"
	"proxy-pool/pkg/prober"
	"proxy-pool/pkg/validator"
	"proxy-pool/pkg/worker"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxy-pool",
	Short: "Maintains a validated pool of public HTTP/HTTPS proxies",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background worker and the read API together",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w := buildWorker(db)
		srv := api.New(db, listenAddr(), logger)

		errCh := make(chan error, 2)
		go func() { errCh <- w.Run(ctx) }()
		go func() { errCh <- srv.ListenAndServe() }()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Component failed", "error", err)
			}
			stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down API server", "error", err)
		}
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the background validation worker",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := buildWorker(db).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Worker failed", "error", err)
			os.Exit(1)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run only the read API server",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := api.New(db, listenAddr(), logger)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		if err := srv.ListenAndServe(); err != nil {
			logger.Error("API server failed", "error", err)
			os.Exit(1)
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [address...]",
	Short: "Validate one or more proxy addresses and print the outcomes",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		v := buildValidator()
		results := v.ValidateMany(context.Background(), args, validator.ModeInitial)

		for _, address := range args {
			outcome := results[address]
			if outcome.Working {
				fmt.Printf("%s\tworking\t%s\t%.3fs\n", address, outcome.Protocol, outcome.Latency.Seconds())
			} else {
				fmt.Printf("%s\tnot working\n", address)
			}
		}
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Validate proxies from a file (one address per line) and add them to the pool",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		addrs, err := readAddressFile(args[0])
		if err != nil {
			logger.Error("Error reading address file", "error", err)
			os.Exit(1)
		}
		if len(addrs) == 0 {
			logger.Info("No addresses found in file")
			return
		}

		ctx := context.Background()
		results := buildValidator().ValidateMany(ctx, addrs, validator.ModeInitial)

		working := 0
		for address, outcome := range results {
			if outcome.Working {
				working++
			}
			if err := db.UpsertProxy(ctx, address, outcome); err != nil {
				logger.Error("Error upserting proxy", "address", address, "error", err)
			}
		}
		logger.Info("Import complete", "working", working, "total", len(addrs))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(importCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.proxypool")
	viper.AddConfigPath("/etc/proxypool/")

	viper.SetDefault("database.path", "data/proxies.db")

	viper.SetDefault("source.meta_url", "https://cdn.jsdelivr.net/gh/proxifly/free-proxy-list@main/proxies/meta/data.json")
	viper.SetDefault("source.http_list_url", "https://cdn.jsdelivr.net/gh/proxifly/free-proxy-list@main/proxies/protocols/http/data.txt")
	viper.SetDefault("source.https_list_url", "https://cdn.jsdelivr.net/gh/proxifly/free-proxy-list@main/proxies/protocols/https/data.txt")
	viper.SetDefault("source.timeout_seconds", 30)

	viper.SetDefault("validation.test_url", "https://www.google.com/maps/preview/reveal?authuser=0&hl=ar&gl=eg&pb=!2m12!1m3!1d352!2d31.2357!3d30.0444!2m3!1f0!2f0!3f0!3m2!1i1536!2i740!4f13.1!3m2!2d31.2357!3d30.0444!7e81!5m5!2m4!1i96!2i64!3i1!4i8")
	viper.SetDefault("validation.body_marker", ")]}'")
	viper.SetDefault("validation.timeout_seconds", 10)
	viper.SetDefault("validation.attempts", 5)
	viper.SetDefault("validation.inter_wave_pause_seconds", 1)
	viper.SetDefault("validation.max_concurrent", 1000)
	viper.SetDefault("validation.staleness_minutes", 20)

	viper.SetDefault("worker.meta_check_interval_seconds", 260)
	viper.SetDefault("worker.revalidation_interval_minutes", 60)
	viper.SetDefault("worker.idle_interval_seconds", 30)
	viper.SetDefault("worker.max_failures", 20)
	viper.SetDefault("worker.batch_size", 1000)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)

	viper.SetEnvPrefix("proxypool")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func initDB() (*database.DB, error) {
	if path := viper.GetString("database.path"); strings.Contains(path, "/") {
		if err := os.MkdirAll(path[:strings.LastIndex(path, "/")], 0o755); err != nil {
			return nil, fmt.Errorf("error creating data directory: %v", err)
		}
	}

	db, err := database.NewDB()
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	if err := db.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

func buildValidator() *validator.Validator {
	p := prober.New(prober.Options{
		TargetURL:     viper.GetString("validation.test_url"),
		BodyMarker:    viper.GetString("validation.body_marker"),
		Timeout:       time.Duration(viper.GetInt("validation.timeout_seconds")) * time.Second,
		MaxConcurrent: viper.GetInt64("validation.max_concurrent"),
	}, logger)

	return validator.New(p, validator.Options{
		Attempts:       viper.GetInt("validation.attempts"),
		InterWavePause: time.Duration(viper.GetInt("validation.inter_wave_pause_seconds")) * time.Second,
	}, logger)
}

func buildWorker(db *database.DB) *worker.Worker {
	source := fetcher.New(fetcher.Options{
		MetaURL:      viper.GetString("source.meta_url"),
		HTTPListURL:  viper.GetString("source.http_list_url"),
		HTTPSListURL: viper.GetString("source.https_list_url"),
		Timeout:      time.Duration(viper.GetInt("source.timeout_seconds")) * time.Second,
	}, logger)

	return worker.New(db, buildValidator(), source, worker.Options{
		MetaCheckInterval:    time.Duration(viper.GetInt("worker.meta_check_interval_seconds")) * time.Second,
		RevalidationInterval: time.Duration(viper.GetInt("worker.revalidation_interval_minutes")) * time.Minute,
		IdleInterval:         time.Duration(viper.GetInt("worker.idle_interval_seconds")) * time.Second,
		Staleness:            time.Duration(viper.GetInt("validation.staleness_minutes")) * time.Minute,
		MaxFailures:          viper.GetInt("worker.max_failures"),
		BatchSize:            viper.GetInt("worker.batch_size"),
	}, logger)
}

func listenAddr() string {
	return fmt.Sprintf("%s:%d", viper.GetString("server.host"), viper.GetInt("server.port"))
}

func readAddressFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	var addrs []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr := prober.NormalizeAddress(line)
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %v", err)
	}

	return addrs, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
