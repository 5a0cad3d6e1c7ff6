package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/coldpath/sequencer/config"
	gmailclient "github.com/coldpath/sequencer/gmail"
	"github.com/coldpath/sequencer/middleware"
	"github.com/coldpath/sequencer/queue"
	"github.com/coldpath/sequencer/ratelimit"
	"github.com/coldpath/sequencer/routes"
	"github.com/coldpath/sequencer/worker"
)

// pollInterval is how often each queue consumer checks for a due job when
// its last Dequeue call came back empty.
const pollInterval = 2 * time.Second

func main() {
	logger := log.New(os.Stdout, "SEQUENCER: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.Redis.Address,
		Password: config.AppConfig.Redis.Password,
		DB:       config.AppConfig.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}

	q := queue.New(rdb, config.AppConfig.QueuePrefix, logrus.StandardLogger())
	limiter := ratelimit.New(rdb)
	gmailFactory := gmailclient.NewFactory(config.DB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sequenceProcessor := &worker.SequenceProcessor{DB: config.DB, Limiter: limiter, Queue: q}
	emailWorker := &worker.EmailWorker{DB: config.DB, Limiter: limiter, Queue: q, Gmail: gmailFactory}
	sweeper := &worker.Sweeper{DB: config.DB, Limiter: limiter, Queue: q}
	inboundPipeline := &worker.InboundPipeline{DB: config.DB, Gmail: gmailFactory}

	go sweeper.Start(ctx)
	go runConsumer(ctx, logger, "sequence-jobs", func(ctx context.Context, job queue.Job) error {
		var payload queue.SequenceJobPayload
		if err := unmarshalPayload(job, &payload); err != nil {
			return err
		}
		return sequenceProcessor.Process(ctx, payload)
	}, q, queue.SequenceJobs)
	go runConsumer(ctx, logger, "email-jobs", func(ctx context.Context, job queue.Job) error {
		var payload queue.EmailJobPayload
		if err := unmarshalPayload(job, &payload); err != nil {
			return err
		}
		return emailWorker.Process(ctx, payload, job.Attempt, job.MaxTries)
	}, q, queue.EmailJobs)
	go runConsumer(ctx, logger, "contact-jobs", func(ctx context.Context, job queue.Job) error {
		var payload queue.ContactJobPayload
		if err := unmarshalPayload(job, &payload); err != nil {
			return err
		}
		return sequenceProcessor.ProcessContactJob(ctx, payload)
	}, q, queue.ContactJobs)
	go runConsumer(ctx, logger, "thread-watch-jobs", func(ctx context.Context, job queue.Job) error {
		var payload queue.ThreadWatchJobPayload
		if err := unmarshalPayload(job, &payload); err != nil {
			return err
		}
		return inboundPipeline.ProcessThread(ctx, payload.UserID, payload.GmailThreadID)
	}, q, queue.ThreadWatchJobs)

	app := fiber.New()
	app.Use(middleware.CORS())
	routes.SetupRoutes(ctx, app, config.DB, q, inboundPipeline, limiter)

	serverErr := make(chan error, 1)
	go func() {
		logger.Printf("server starting on port %s", config.AppConfig.ServerPort)
		serverErr <- app.Listen(":" + config.AppConfig.ServerPort)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Printf("server shutdown error: %v", err)
		}
		os.Exit(0)
	case err := <-serverErr:
		if err != nil {
			logger.Fatalf("server failed: %v", err)
		}
	}
}

// unmarshalPayload decodes a job's opaque JSON payload into dst, matching
// the split queue.Queue draws between transport (Job) and content
// (SequenceJobPayload/EmailJobPayload).
func unmarshalPayload(job queue.Job, dst interface{}) error {
	return json.Unmarshal(job.Payload, dst)
}

// jobHandler processes one dequeued job; returning an error triggers
// queue.Queue.Retry.
type jobHandler func(ctx context.Context, job queue.Job) error

// runConsumer polls queueName every pollInterval, dispatching each due job
// to handle and retrying on failure with the queue's exponential backoff.
func runConsumer(ctx context.Context, logger *log.Logger, name string, handle jobHandler, q *queue.Queue, queueName string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				job, ok, err := q.Dequeue(ctx, queueName)
				if err != nil {
					logger.Printf("%s consumer: dequeue error: %v", name, err)
					break
				}
				if !ok {
					break
				}
				if err := handle(ctx, job); err != nil {
					logger.Printf("%s consumer: job %s failed: %v", name, job.ID, err)
					if _, retryErr := q.Retry(ctx, job); retryErr != nil {
						logger.Printf("%s consumer: retry scheduling failed for job %s: %v", name, job.ID, retryErr)
					}
				}
			}
		}
	}
}
