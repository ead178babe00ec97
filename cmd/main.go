package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgekit/pluginhost/internal/apiregistry"
	"github.com/forgekit/pluginhost/internal/auditbridge"
	"github.com/forgekit/pluginhost/internal/bus"
	"github.com/forgekit/pluginhost/internal/clock"
	"github.com/forgekit/pluginhost/internal/flags"
	"github.com/forgekit/pluginhost/internal/hostkit"
	"github.com/forgekit/pluginhost/internal/logger"
	"github.com/forgekit/pluginhost/internal/permission"
	"github.com/forgekit/pluginhost/internal/registry"
	"github.com/forgekit/pluginhost/internal/sandbox"
	"github.com/forgekit/pluginhost/internal/scheduler"
	"github.com/forgekit/pluginhost/internal/uiregistry"
)

func main() {
	logLevel := getEnv("LOG_LEVEL", "info")
	logPretty := getEnv("LOG_PRETTY", "true") == "true"
	logger.Initialize(logLevel, logPretty)
	log := logger.Log

	pluginDir := getEnv("PLUGIN_DIR", "./plugins")
	platformVersion := getEnv("PLATFORM_VERSION", "1.0.0")
	environment := getEnv("ENVIRONMENT", "development")

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	flagCacheEnabled := getEnv("FLAG_CACHE_ENABLED", "true") == "true"

	natsURL := os.Getenv("NATS_URL")
	natsUser := os.Getenv("NATS_USER")
	natsPassword := os.Getenv("NATS_PASSWORD")

	allowedHosts := hostkit.SplitCSV(os.Getenv("PLUGIN_ALLOWED_HOSTS"))
	envWhitelist := hostkit.SplitCSV(os.Getenv("PLUGIN_ENV_WHITELIST"))

	log.Info().Str("pluginDir", pluginDir).Str("platformVersion", platformVersion).Msg("starting plugin host")

	clk := clock.Real{}
	eventBus := bus.New(log)
	uiReg := uiregistry.New()
	apiReg := apiregistry.New()

	data := hostkit.NewRedisData(redisAddr, redisPassword, 0)
	security := hostkit.NewAuditingSecurity(log)
	hostLogger := hostkit.ZerologLogger{Log: log}

	flagCache := flags.NewCache(flags.CacheConfig{Addr: redisAddr, Password: redisPassword, Enabled: flagCacheEnabled}, log)
	flagStore := flags.NewStore(eventBus, flagCache, clk, log)
	flagEvaluator := flags.NewEvaluator(flagStore, flagCache, log)

	permValidator := permission.New(permission.DefaultRules(), clk)

	sandboxMgr := sandbox.NewManager(sandbox.ManagerConfig{
		Clock:    clk,
		Logger:   log,
		Security: security,
	})

	sched := scheduler.New(log)

	// Host-owned maintenance jobs share the plugin scheduler's cron instance.
	if err := sched.Schedule("host", "permission-rate-limit-sweep", "@every 1m", permValidator.Sweep); err != nil {
		log.Warn().Err(err).Msg("failed to schedule permission tracker sweep")
	}
	if err := sched.Schedule("host", "flag-cache-sweep", "@every 5m", flagCache.Sweep); err != nil {
		log.Warn().Err(err).Msg("failed to schedule flag cache sweep")
	}

	reg := registry.New(registry.Config{
		PlatformVersion: platformVersion,
		Environment:     environment,
		Features:        map[string]bool{},
		AllowedHosts:    allowedHosts,
		EnvWhitelist:    envWhitelist,

		Bus:        eventBus,
		Permission: permValidator,
		Sandboxes:  sandboxMgr,
		Flags:      flagEvaluator,
		API:        apiReg,
		UI:         uiReg,
		Scheduler:  sched,

		Data:     data,
		Logger:   hostLogger,
		Security: security,
		Clock:    clk,

		ZLog: log,
	})

	bridge := auditbridge.New(auditbridge.Config{URL: natsURL, User: natsUser, Password: natsPassword}, eventBus, log)
	if err := bridge.Start(); err != nil {
		log.Warn().Err(err).Msg("audit bridge failed to start, continuing without it")
	}
	defer bridge.Close()

	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", pluginDir).Msg("failed to prepare plugin directory")
	}
	if err := reg.Discover(pluginDir); err != nil {
		log.Fatal().Err(err).Str("dir", pluginDir).Msg("plugin discovery failed")
	}

	for _, record := range reg.List() {
		id := record.ID()
		if _, ok := registry.GlobalFactoryRegistry().Get(id); !ok {
			log.Warn().Str("pluginId", id).Msg("discovered plugin has no registered factory, skipping install")
			continue
		}
		if err := reg.Install(id); err != nil {
			log.Error().Err(err).Str("pluginId", id).Msg("install failed")
			continue
		}
		if err := reg.Activate(id); err != nil {
			log.Error().Err(err).Str("pluginId", id).Msg("activate failed")
		}
	}

	log.Info().Int("discovered", len(reg.List())).Msg("plugin host ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down plugin host")
	// Dependents refuse to let their dependencies deactivate first, so keep
	// making passes until a full pass deactivates nothing.
	for {
		progressed := false
		for _, record := range reg.List() {
			if record.State != registry.StateActive {
				continue
			}
			if err := reg.Deactivate(record.ID()); err == nil {
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	for _, record := range reg.List() {
		if record.State == registry.StateActive {
			log.Warn().Str("pluginId", record.ID()).Msg("plugin still active after shutdown passes")
		}
	}
	sandboxMgr.DestroyAll()
	sched.Stop()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
