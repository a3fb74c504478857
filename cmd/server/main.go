package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/kiwi/curator/internal/config"
	"github.com/OFFIS-RIT/kiwi/curator/internal/queue"
	"github.com/OFFIS-RIT/kiwi/curator/internal/server"
	"github.com/OFFIS-RIT/kiwi/curator/internal/util"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger/console"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

func main() {
	util.LoadEnv()

	cfg, err := config.Load()
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug,
		Prefix: "ingress",
		Format: cfg.LogFormat,
	}))
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var kf jwt.Keyfunc
	if authURL := util.GetEnv("AUTH_URL"); authURL != "" {
		k, err := keyfunc.NewDefault([]string{authURL + "/jwks"})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		kf = k.Keyfunc
	}
	masterKey := util.GetEnv("MASTER_API_KEY")
	if kf == nil && masterKey == "" {
		logger.Warn("Neither AUTH_URL nor MASTER_API_KEY is set, every request will be rejected")
	}

	conn, err := queue.Init(queue.URLFromEnv())
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{cfg.Ingest.QueueName}, 0); err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	e := server.New(server.Params{
		Publisher:    ch,
		StatesQueue:  cfg.Ingest.QueueName,
		Keyfunc:      kf,
		MasterAPIKey: masterKey,
	})
	if err := server.Serve(ctx, e, ":"+cfg.Port); err != nil {
		logger.Fatal("Server stopped", "err", err)
	}
}
