package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/flowforgehq/flowforge/internal/catalog"
	"github.com/flowforgehq/flowforge/internal/config"
	"github.com/flowforgehq/flowforge/internal/credits"
	"github.com/flowforgehq/flowforge/internal/db"
	"github.com/flowforgehq/flowforge/internal/httpapi"
	"github.com/flowforgehq/flowforge/internal/httpapi/handlers"
	"github.com/flowforgehq/flowforge/internal/orchestrator"
	"github.com/flowforgehq/flowforge/internal/provider"
	"github.com/flowforgehq/flowforge/internal/run"
	"github.com/flowforgehq/flowforge/internal/storage"
	"github.com/flowforgehq/flowforge/internal/store/rabbitmq"
	"github.com/flowforgehq/flowforge/internal/store/redisstore"
	"github.com/flowforgehq/flowforge/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	runs := run.NewRepo(gdb)
	accountant := credits.NewAccountant(gdb)
	checkpoints := orchestrator.NewCheckpointStore(gdb)

	reg := provider.NewRegistry()
	reg.Register("fal", func() (provider.Adapter, error) {
		return provider.NewFalAdapter(cfg.FalBaseURL, cfg.FalAPIKey), nil
	})
	reg.Register("replicate", func() (provider.Adapter, error) {
		return provider.NewReplicateAdapter(cfg.ReplicateBaseURL, cfg.ReplicateAPIToken), nil
	})

	uploader, err := storage.NewS3Uploader(context.Background(), storage.S3Config{
		AccessKeyID:     cfg.StorageAccessKey,
		SecretAccessKey: cfg.StorageSecretKey,
		Region:          cfg.StorageRegion,
		Bucket:          cfg.StorageBucket,
		Endpoint:        cfg.StorageEndpoint,
		PublicURL:       cfg.StoragePublicURL,
	})
	if err != nil {
		logrus.Fatalf("storage: %v", err)
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logrus.Fatalf("rabbit: %v", err)
	}
	defer pub.Close()

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	var notifier webhook.Notifier = webhook.Noop{}
	if cfg.WebhookURL != "" {
		notifier = webhook.NewDiscord(cfg.WebhookURL, rds)
	}

	orch := orchestrator.New(orchestrator.Config{
		Runs:            runs,
		Accountant:      accountant,
		Providers:       reg,
		Catalog:         catalog.Defaults(),
		Migrator:        storage.NewMigrator(uploader),
		Checkpoints:     checkpoints,
		Dispatcher:      pub,
		Notifier:        notifier,
		PollInterval:    cfg.PollInterval,
		PollMaxAttempts: cfg.PollMaxAttempts,
	})

	h := handlers.NewHandler(orch, runs, accountant)
	r := httpapi.NewRouter(cfg, h)

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	logrus.Infof("api listening on %s", addr)
	if err := r.Run(addr); err != nil {
		logrus.Fatalf("serve: %v", err)
	}
}
