package main

import (
	"context"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inquira/inquira-backend/internal/clients/engine"
	"github.com/inquira/inquira-backend/internal/clients/inference"
	"github.com/inquira/inquira-backend/internal/db"
	"github.com/inquira/inquira-backend/internal/handlers"
	"github.com/inquira/inquira-backend/internal/platform/envutil"
	"github.com/inquira/inquira-backend/internal/platform/logger"
	"github.com/inquira/inquira-backend/internal/repos"
	"github.com/inquira/inquira-backend/internal/server"
	"github.com/inquira/inquira-backend/internal/services"
)

func main() {
	// Logger
	logMode := envutil.Str("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Redis (optional; deployment cache only)
	var rdb *goredis.Client
	if addr := envutil.Str("REDIS_ADDR", ""); addr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis unavailable, continuing without deployment cache", "error", err)
			_ = rdb.Close()
			rdb = nil
		}
		cancel()
	}

	// Repos
	log.Info("Setting up repos...")
	projectRepo := repos.NewProjectRepo(thePG, log)
	deploymentRepo := repos.NewDeploymentRepo(thePG, log)
	apiHistoryRepo := repos.NewApiHistoryRepo(thePG, log)

	// Clients
	log.Info("Setting up clients...")
	inferenceClient, err := inference.NewFromEnv(log)
	if err != nil {
		log.Fatal("Could not init inference client", "error", err)
	}
	engineClient, err := engine.NewFromEnv(log)
	if err != nil {
		log.Fatal("Could not init engine client", "error", err)
	}

	// Services
	log.Info("Setting up services...")
	deployService := services.NewDeployService(log, deploymentRepo, rdb)
	askService := services.NewAskService(log, inferenceClient, engineClient, projectRepo, deployService, apiHistoryRepo, services.AskServiceConfig{
		PollInterval: envutil.Dur("ASK_POLL_INTERVAL", time.Second),
		PollDeadline: envutil.Dur("ASK_POLL_DEADLINE", 3*time.Minute),
	})

	// Handlers + router
	auditor := handlers.NewAuditor(apiHistoryRepo, log)
	askHandler := handlers.NewAskHandler(askService, auditor, log)
	router := server.NewRouter(server.RouterConfig{AskHandler: askHandler, Auditor: auditor})

	port := envutil.Str("PORT", "4000")
	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Server exited", "error", err)
	}
}
