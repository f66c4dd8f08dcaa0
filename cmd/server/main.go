package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/api"
	"github.com/dmercado/republish/internal/driver"
	"github.com/dmercado/republish/internal/executor"
	"github.com/dmercado/republish/internal/model"
	"github.com/dmercado/republish/internal/monitor"
	"github.com/dmercado/republish/internal/scheduler"
	"github.com/dmercado/republish/internal/service"
	"github.com/dmercado/republish/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Open storage
	db, err := storage.Open(viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	store, err := storage.NewScheduleStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create schedule store", zap.Error(err))
	}
	ledger, err := storage.NewRunLedger(logger, db)
	if err != nil {
		logger.Fatal("Failed to create run ledger", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Optional headless browser container for pages the HTTP client
	// cannot render.
	var browser *driver.BrowserManager
	if viper.GetBool("browser.enabled") {
		browser, err = driver.NewBrowserManager(driver.BrowserConfig{
			Image: viper.GetString("browser.image"),
			Name:  viper.GetString("browser.container_name"),
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create browser manager", zap.Error(err))
		}
	}

	siteDriver := driver.NewSiteDriver(driver.SiteConfig{
		BaseURL:          viper.GetString("site.base_url"),
		Username:         viper.GetString("site.username"),
		Password:         viper.GetString("site.password"),
		ActionsPerSecond: viper.GetFloat64("site.actions_per_second"),
		RequestTimeout:   viper.GetDuration("site.request_timeout"),
	}, browser, logger)

	// Capacity guard and run logs
	guard := executor.NewCapacityGuard(executor.CapacityLimits{
		MaxRuns:   viper.GetInt("executor.max_runs"),
		MaxCPU:    viper.GetFloat64("executor.max_cpu"),
		MaxMemory: viper.GetFloat64("executor.max_memory"),
	}, logger)
	guard.Start(ctx)
	defer guard.Stop()

	runLogs, err := executor.NewRunLogManager(executor.RunLogConfig{
		LogDir: viper.GetString("executor.log_dir"),
		MaxAge: viper.GetDuration("executor.log_max_age"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create run log manager", zap.Error(err))
	}
	runLogs.Start(ctx)
	defer runLogs.Stop()

	var browserLogs executor.BrowserLogSource
	if browser != nil {
		browserLogs = browser
	}
	exec := executor.New(siteDriver, browserLogs, guard, runLogs, logger)

	// Registry: one cron entry per schedule time of day
	registry := scheduler.NewRegistry(js, store, logger)
	if err := registry.Start(ctx); err != nil {
		logger.Fatal("Failed to start registry", zap.Error(err))
	}
	defer registry.Stop()

	if err := registry.Bootstrap(ctx); err != nil {
		logger.Fatal("Failed to bootstrap schedules", zap.Error(err))
	}

	// Run service: consumes fire events, executes, writes the ledger
	runs := service.NewRunService(js, store, ledger, exec, logger)
	if err := runs.Start(ctx); err != nil {
		logger.Fatal("Failed to start run service", zap.Error(err))
	}

	// Monitoring
	collector := monitor.NewMetricsCollector(js, viper.GetDuration("monitor.metrics_interval"), logger)
	if err := collector.Start(ctx); err != nil {
		logger.Fatal("Failed to start metrics collector", zap.Error(err))
	}
	defer collector.Stop()

	alerts := monitor.NewAlertManager(logger, js)
	if err := alerts.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert manager", zap.Error(err))
	}
	defer alerts.Stop()

	alerts.RegisterChannel("log", monitor.NewLogChannel(logger))
	if url := viper.GetString("monitor.webhook_url"); url != "" {
		alerts.RegisterChannel("webhook", monitor.NewWebhookChannel(url, logger))
	}
	if viper.GetBool("monitor.email.enabled") {
		alerts.RegisterChannel("email", monitor.NewEmailChannel(monitor.EmailConfig{
			Host:     viper.GetString("monitor.email.host"),
			Port:     viper.GetInt("monitor.email.port"),
			Username: viper.GetString("monitor.email.username"),
			Password: viper.GetString("monitor.email.password"),
			From:     viper.GetString("monitor.email.from"),
			To:       viper.GetStringSlice("monitor.email.to"),
		}, logger))
	}

	alerts.AddRule(&model.AlertRule{
		Name:     "run failures",
		Type:     model.AlertTypeRunFailure,
		Severity: model.AlertSeverityError,
	})
	alerts.AddRule(&model.AlertRule{
		Name:     "empty runs",
		Type:     model.AlertTypeZeroItems,
		Severity: model.AlertSeverityWarning,
	})
	if threshold := viper.GetFloat64("monitor.resource_threshold"); threshold > 0 {
		alerts.AddRule(&model.AlertRule{
			Name:      "host saturation",
			Type:      model.AlertTypeResourceUsage,
			Threshold: threshold,
			Severity:  model.AlertSeverityCritical,
		})
	}

	// Ledger retention
	go func() {
		retention := viper.GetDuration("storage.run_retention")
		if retention <= 0 {
			return
		}
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				if err := ledger.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to prune run ledger", zap.Error(err))
				}
			}
		}
	}()

	// HTTP API
	server := api.NewServer(store, ledger, runs, registry, logger)
	go func() {
		if err := server.Run(viper.GetString("http.addr")); err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("Server shutting down gracefully")
}
