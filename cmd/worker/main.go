package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/flowforgehq/flowforge/internal/catalog"
	"github.com/flowforgehq/flowforge/internal/config"
	"github.com/flowforgehq/flowforge/internal/credits"
	"github.com/flowforgehq/flowforge/internal/db"
	"github.com/flowforgehq/flowforge/internal/orchestrator"
	"github.com/flowforgehq/flowforge/internal/provider"
	"github.com/flowforgehq/flowforge/internal/run"
	"github.com/flowforgehq/flowforge/internal/storage"
	"github.com/flowforgehq/flowforge/internal/store/rabbitmq"
	"github.com/flowforgehq/flowforge/internal/store/redisstore"
	"github.com/flowforgehq/flowforge/internal/webhook"
)

// maxTransientRetries bounds framework-level redeliveries of a run whose
// pipeline hit a transient failure. Business failures never retry.
const maxTransientRetries = 2

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 4
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 4
	}
	if n > 50 {
		return 50
	}
	return n
}

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
		logrus.Fatalf("rabbit publisher: %v", err)
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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logrus.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logrus.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		logrus.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		logrus.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logrus.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"queue":       cfg.RabbitQueue,
		"concurrency": concurrency,
	}).Info("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, orch, pub, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logrus.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logrus.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handleDelivery runs one pipeline message. Transient failures are parked
// in the retry queue until the retry budget runs out, at which point the
// run is finalized as failed (with its refund) before the message is
// dropped.
func handleDelivery(ctx context.Context, orch *orchestrator.Orchestrator, pub *rabbitmq.Publisher, workerID int, d amqp.Delivery) {
	log := logrus.WithField("worker", workerID)

	var m rabbitmq.RunMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.EventID == "" {
		log.WithError(err).Warn("bad message")
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := orch.Process(ctx, m.EventID)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).WithField("event_id", m.EventID).Warn("ack failed")
		}
		return
	}

	log.WithError(err).WithFields(logrus.Fields{
		"event_id": m.EventID,
		"retries":  m.Retries,
		"cost":     time.Since(start).String(),
	}).Warn("pipeline attempt failed")

	if m.Retries >= maxTransientRetries {
		// Terminal-failure hook: the refund must land even though the
		// pipeline never reached a business outcome.
		failText := fmt.Sprintf("run did not complete after %d attempts: %v", m.Retries+1, err)
		if failErr := orch.FailRun(ctx, m.EventID, failText); failErr != nil {
			log.WithError(failErr).WithField("event_id", m.EventID).Error("failure hook failed, dead-lettering")
			_ = d.Nack(false, false)
			return
		}
		_ = d.Ack(false)
		return
	}

	if pubErr := pub.PublishRetry(ctx, m.EventID, m.Retries+1); pubErr != nil {
		log.WithError(pubErr).WithField("event_id", m.EventID).Error("retry publish failed, dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
