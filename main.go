package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/client"
	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/logger"
	"github.com/causewayapi/causeway/common/telemetry"
	"github.com/causewayapi/causeway/controller"
	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/monitor"
	"github.com/causewayapi/causeway/relay/affinity"
	"github.com/causewayapi/causeway/relay/breaker"
	relaycontroller "github.com/causewayapi/causeway/relay/controller"
	"github.com/causewayapi/causeway/relay/headercomp"
	"github.com/causewayapi/causeway/relay/pricing"
	"github.com/causewayapi/causeway/relay/quota"
	"github.com/causewayapi/causeway/relay/routing"
	"github.com/causewayapi/causeway/router"
)

func main() {
	_ = godotenv.Load()
	if err := config.Load(); err != nil {
		logger.Logger.Panic("load configuration", zap.Error(err))
	}
	logger.SetupLogger(config.DebugEnabled)
	startedAt := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.InitOpenTelemetry(ctx)
	if err != nil {
		logger.Logger.Panic("init telemetry", zap.Error(err))
	}

	client.Init()
	if err := common.InitRedisClient(); err != nil {
		logger.Logger.Panic("init redis", zap.Error(err))
	}
	if err := model.InitDB(); err != nil {
		logger.Logger.Panic("init database", zap.Error(err))
	}
	defer model.CloseDB()

	if err := headercomp.EnsureBuiltins(); err != nil {
		logger.Logger.Panic("seed builtin compensation rules", zap.Error(err))
	}

	upstreams := model.NewUpstreamCache()
	if err := upstreams.Refresh(ctx); err != nil {
		logger.Logger.Panic("load upstreams", zap.Error(err))
	}
	keystore := model.NewKeystore()
	if err := keystore.Refresh(ctx); err != nil {
		logger.Logger.Panic("load api keys", zap.Error(err))
	}

	breakers := breaker.NewRegistry()
	breakers.ResolveName = func(id int64) string {
		if u, ok := upstreams.Get(id); ok {
			return u.Name
		}
		return ""
	}
	if err := breakers.Load(ctx); err != nil {
		logger.Logger.Panic("restore breaker states", zap.Error(err))
	}

	tracker := quota.NewTracker(upstreams)
	go tracker.StartReconciler(ctx, time.Duration(config.QuotaSyncIntervalSec)*time.Second)

	catalog := pricing.NewCatalog()
	if err := catalog.Refresh(ctx); err != nil {
		logger.Logger.Panic("load price catalog", zap.Error(err))
	}
	go catalog.StartRefresher(ctx, time.Duration(config.CatalogRefreshIntervalSec)*time.Second)

	monitor.InitMonitoring(ctx, common.Version, startedAt)
	go logRetentionLoop(ctx)

	relayRouter := routing.NewRouter(upstreams, breakers, tracker, affinity.NewStore())
	relayer := relaycontroller.NewRelayer(relayRouter, catalog)
	if err := relayer.ReloadHeaderRules(); err != nil {
		logger.Logger.Panic("load header compensation rules", zap.Error(err))
	}

	admin := &controller.Admin{
		Upstreams: upstreams,
		Keystore:  keystore,
		Breakers:  breakers,
		Quota:     tracker,
		Catalog:   catalog,
		Relayer:   relayer,
		StartedAt: startedAt,
	}

	if mode := os.Getenv("GIN_MODE"); mode != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	router.SetRouter(engine, &router.Dependencies{
		Keystore: keystore,
		Relayer:  relayer,
		Admin:    admin,
	})

	srv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		logger.Logger.Info("causeway listening",
			zap.String("port", config.Port), zap.String("version", common.Version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Panic("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("http shutdown", zap.Error(err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("telemetry shutdown", zap.Error(err))
	}
}

// logRetentionLoop deletes request logs past the retention window once a day.
func logRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := model.DeleteExpiredRequestLogs(config.LogRetentionDays)
			if err != nil {
				logger.Logger.Error("delete expired request logs", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Logger.Info("deleted expired request logs", zap.Int64("rows", deleted))
			}
		}
	}
}
