package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/convoflow/convoflow/internal/common/config"
	"github.com/convoflow/convoflow/internal/common/database"
	"github.com/convoflow/convoflow/internal/common/logger"
	"github.com/convoflow/convoflow/internal/coordination"
	"github.com/convoflow/convoflow/internal/events/bus"
	"github.com/convoflow/convoflow/internal/llm"
	"github.com/convoflow/convoflow/internal/media"
	"github.com/convoflow/convoflow/internal/orchestrator/executor"
	"github.com/convoflow/convoflow/internal/orchestrator/placeholder"
	"github.com/convoflow/convoflow/internal/orchestrator/queue"
	"github.com/convoflow/convoflow/internal/orchestrator/scheduler"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/whatsapp"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

const defaultQueueSize = 100

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Convoflow bot daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Coordination store: Redis when configured, in-memory otherwise
	var coordStore coordination.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := coordination.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		coordStore = redisStore
		log.Info("Connected to Redis coordination store", zap.String("addr", cfg.Redis.Addr))
	} else {
		coordStore = coordination.NewMemoryStore()
		log.Info("Using in-memory coordination store (single-process mode)")
	}
	defer coordStore.Close()

	locks := coordination.NewTurnLock(coordStore, cfg.Engine.LockLease())
	abort := coordination.NewAbortSignal(coordStore, cfg.Engine.AbortTTL())

	// 5. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Repository: Postgres when configured, in-memory otherwise
	var repo store.Repository
	if cfg.Database.Host != "" {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		pgRepo, err := store.NewPostgresRepository(ctx, db)
		if err != nil {
			log.Fatal("Failed to prepare database schema", zap.Error(err))
		}
		repo = pgRepo
		log.Info("Connected to Postgres", zap.String("host", cfg.Database.Host))
	} else {
		repo = store.NewMemoryRepository()
		log.Info("Using in-memory repository (messages are not persisted)")
	}
	defer repo.Close()

	// 7. Seed the default agent profile
	if err := repo.PutAgent(ctx, &v1.AgentProfile{
		ID:           cfg.Agent.ID,
		Name:         cfg.Agent.Name,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		Enabled:      true,
	}); err != nil {
		log.Fatal("Failed to seed default agent", zap.Error(err))
	}

	// 8. Model client
	model := llm.NewOpenAIClient(cfg.LLM, log)
	if cfg.LLM.APIKey == "" {
		log.Warn("No LLM API key configured, model calls will fail")
	}

	// 9. Media side-job runner
	var transcriber media.Transcriber
	var preparer media.ImagePreparer
	if cfg.Media.TranscriptionURL != "" {
		transcriber = media.NewHTTPTranscriber(cfg.Media.TranscriptionURL)
	}
	if cfg.Media.ImagePrepURL != "" {
		preparer = media.NewHTTPImagePreparer(cfg.Media.ImagePrepURL)
	}
	mediaRunner := media.NewRunner(transcriber, preparer, cfg.Media.Timeout(), log)

	// 10. WhatsApp gateway, or a console transport when disabled
	var gateway *whatsapp.Gateway
	var delivery executor.Delivery
	if cfg.WhatsApp.Enabled {
		gateway, err = whatsapp.NewGateway(ctx, cfg.WhatsApp, log)
		if err != nil {
			log.Fatal("Failed to initialize WhatsApp gateway", zap.Error(err))
		}
		delivery = gateway.Sender()
	} else {
		delivery = whatsapp.NewConsoleDelivery(log)
		log.Info("WhatsApp disabled, replies go to stdout")
	}

	// 11. Assemble the conversation engine
	msgQueue := queue.NewMessageQueue(defaultQueueSize, log)
	placeholders := placeholder.NewRegistry(cfg.Engine.PlaceholderTimeout(), log)
	exec := executor.NewExecutor(msgQueue, locks, abort, repo, model, delivery, eventBus, cfg.Engine, cfg.LLM, log)
	sched := scheduler.NewScheduler(msgQueue, placeholders, exec, mediaRunner, repo, eventBus, cfg.Engine, cfg.Agent.ID, log)
	sched.Start()
	log.Info("Conversation engine started",
		zap.Duration("debounce_window", cfg.Engine.DebounceWindow()),
		zap.Duration("placeholder_timeout", cfg.Engine.PlaceholderTimeout()))

	// 12. Connect WhatsApp last so inbound traffic finds a running engine
	if gateway != nil {
		gateway.SetEngine(sched)
		if err := gateway.Start(ctx); err != nil {
			log.Fatal("Failed to start WhatsApp gateway", zap.Error(err))
		}
		log.Info("WhatsApp gateway connected")
	}

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Convoflow bot daemon...")

	// 14. Graceful shutdown: stop intake first, then drain running turns
	if gateway != nil {
		gateway.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("Shutdown timed out waiting for running turns")
	}

	log.Info("Convoflow bot daemon stopped")
}
