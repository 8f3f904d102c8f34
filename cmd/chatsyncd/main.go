package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fitstack/chatsync/internal/api"
	"github.com/fitstack/chatsync/internal/config"
	"github.com/fitstack/chatsync/internal/presence"
	"github.com/fitstack/chatsync/internal/stats"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/store/memstore"
	"github.com/fitstack/chatsync/internal/store/pgstore"
	"github.com/fitstack/chatsync/internal/tenant"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configFile     string
	addr           string
	backend        string
	dsn            string
	redisAddr      string
	signingSecret  string
	tenantId       string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&configFile, "config", "", "path to a YAML config file")
	flag.StringVar(&addr, "addr", "", "server address")
	flag.StringVar(&backend, "backend", "", "store backend: memory or postgres")
	flag.StringVar(&dsn, "dsn", "", "database connection string")
	flag.StringVar(&redisAddr, "redis-addr", "", "redis address for the presence backend")
	flag.StringVar(&signingSecret, "signing-secret", "", "base64 encoded signing secret")
	flag.StringVar(&tenantId, "tenant", "", "static tenant id")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatsync] ", log.LstdFlags)

	if loaded := config.LoadDotEnv(); len(loaded) > 0 {
		logger.Printf("loaded env from %s", strings.Join(loaded, ", "))
	}

	params := config.Params{
		ServerAddr:     "localhost:8000",
		SigningSecret:  os.Getenv("CHATSYNC_SIGNING_SECRET"),
		AllowedOrigins: allowedOrigins,
	}
	if configFile != "" {
		fileParams, err := config.FromFile(configFile)
		if err != nil {
			logger.Fatal("config:", err)
		}
		fileParams.AllowedOrigins = append(fileParams.AllowedOrigins, allowedOrigins...)
		params = fileParams
	}

	// flags win over file and environment values
	if addr != "" {
		params.ServerAddr = addr
	}
	if backend != "" {
		params.StoreBackend = backend
	}
	if dsn != "" {
		params.DatabaseDSN = dsn
	}
	if redisAddr != "" {
		params.RedisAddr = redisAddr
	}
	if signingSecret != "" {
		params.SigningSecret = signingSecret
	}
	if tenantId != "" {
		params.Tenant = tenantId
	}

	cfg, err := config.New(params)
	if err != nil {
		logger.Fatal("config:", err)
	}

	var st store.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		st, err = pgstore.New(logger, cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("store open:", err)
		}
	default:
		st = memstore.New(logger)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Println("store close:", err)
		}
	}()

	resolverOpts := []tenant.ResolverOption{tenant.WithSigningKey(cfg.SigningKey)}
	if cfg.Tenant != "" {
		resolverOpts = append(resolverOpts, tenant.WithStaticTenant(cfg.Tenant))
	}
	if len(cfg.TenantHosts) > 0 {
		resolverOpts = append(resolverOpts, tenant.WithHostMap(cfg.TenantHosts))
	}
	resolver := tenant.NewResolver(resolverOpts...)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	for _, name := range stats.AllMetrics() {
		statsUpdater.RegisterMetric(name)
	}

	var appOpts []api.AppOption
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("redis ping:", err)
		}
		defer rdb.Close()
		appOpts = append(appOpts, api.WithPresenceBackend(func(tenant string) presence.Backend {
			return presence.NewRedisBackend(logger, rdb, tenant)
		}))
	}

	srv := api.NewChatSyncApp(mux, logger, st, statsUpdater, resolver, cfg, appOpts...)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
