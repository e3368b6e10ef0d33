package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/executor"
	"github.com/ternarybob/effigo/internal/handlers"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/logs"
	"github.com/ternarybob/effigo/internal/plugins/image"
	"github.com/ternarybob/effigo/internal/plugins/training"
	"github.com/ternarybob/effigo/internal/queue/redis"
	"github.com/ternarybob/effigo/internal/services/events"
	"github.com/ternarybob/effigo/internal/services/scheduler"
	"github.com/ternarybob/effigo/internal/services/uelr"
	"github.com/ternarybob/effigo/internal/storage"
	"github.com/ternarybob/effigo/internal/worker"
)

// Scheduled maintenance job names
const (
	jobUELRCleanup = "uelr-cleanup"
	jobStaleSweep  = "stale-jobs"
	jobStorageGC   = "storage-gc"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Infrastructure
	StorageManager interfaces.StorageManager
	QueueService   interfaces.QueueService
	Bus            interfaces.ProgressBus
	LogConsumer    *logs.Consumer

	// Plugins and execution
	Trainer   interfaces.TrainingPlugin
	Imager    interfaces.ImagePlugin
	Executor  interfaces.JobExecutor
	Processor *worker.Processor

	// Interaction register and maintenance
	Register  *uelr.Register
	Scheduler interfaces.SchedulerService

	// HTTP handlers
	SystemHandler      *handlers.SystemHandler
	CharacterHandler   *handlers.CharacterHandler
	TrainingHandler    *handlers.TrainingHandler
	GenerationHandler  *handlers.GenerationHandler
	JobHandler         *handlers.JobHandler
	LoraHandler        *handlers.LoraHandler
	InteractionHandler *handlers.InteractionHandler
	ClientLogsHandler  *handlers.ClientLogsHandler
	WSHandler          *handlers.WebSocketHandler
}

// New initializes the application with all dependencies. Initialization order
// matters: the log consumer binds first so every later init line reaches the
// JSONL service log, then storage, queue, bus, plugins, executor, register,
// scheduler, worker, handlers.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := cfg.EnsureDirectories(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to prepare volume directories: %w", err)
	}

	if err := app.initLogPipeline(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize log pipeline: %w", err)
	}

	if err := app.initServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	// Start the worker loop after handlers so startup log lines flush in order
	if app.Processor != nil {
		app.Processor.Start()
		app.Logger.Debug().Msg("Job processor started")
	}

	// The websocket hub pumps the progress firehose until shutdown
	common.SafeGo(logger, "ws-hub", func() {
		app.WSHandler.Run(app.ctx)
	})

	logger.Info().
		Str("mode", common.NormalizeMode(cfg.Mode)).
		Str("service", cfg.Server.Service).
		Str("storage", cfg.Storage.Type).
		Bool("queue_enabled", cfg.QueueEnabled()).
		Msg("Application initialization complete")

	return app, nil
}

// initLogPipeline starts the log consumer and binds it to arbor's context
// channel so structured events land in the canonical JSONL service log and
// per-job mirrors.
func (a *App) initLogPipeline() error {
	service := a.Config.ServiceName()
	latestDir := common.ServiceLatestDir(a.Config.LogRoot(), service)

	consumer := logs.NewConsumer(a.Logger, service, latestDir, a.Config.JobLogDir(), a.Config.Logging.MinEventLevel)
	if err := consumer.Start(); err != nil {
		return fmt.Errorf("failed to start log consumer: %w", err)
	}
	a.LogConsumer = consumer

	a.Logger.SetChannel("context", consumer.GetChannel())

	a.Logger.Debug().
		Str("service_log", consumer.ServiceLogFile()).
		Str("job_log_dir", a.Config.JobLogDir()).
		Msg("Log consumer initialized with Arbor context channel")
	return nil
}

// initServices initializes storage, queue, bus, plugins, executor, register,
// scheduler and worker in dependency order.
func (a *App) initServices() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", a.Config.Storage.Type).
		Msg("Storage layer initialized")

	// Queue and progress bus. With the queue disabled everything runs in one
	// process: an in-memory bus and direct execution from the handlers.
	if a.Config.QueueEnabled() {
		queueSvc, err := redis.NewService(a.Logger, &a.Config.Queue)
		if err != nil {
			return fmt.Errorf("failed to create queue service: %w", err)
		}
		if err := queueSvc.EnsureGroups(context.Background()); err != nil {
			return fmt.Errorf("failed to prepare queue streams: %w", err)
		}
		a.QueueService = queueSvc

		// The stream bus shares the queue's Redis client for its firehose
		// pub/sub channel.
		backend, ok := queueSvc.(*redis.Service)
		if !ok {
			return fmt.Errorf("queue service is not redis-backed (got %T)", queueSvc)
		}
		a.Bus = events.NewStreamBus(a.Logger, queueSvc, backend.Client())
		a.Logger.Debug().
			Str("consumer", a.Config.Queue.ConsumerName).
			Msg("Queue and stream bus initialized")
	} else {
		a.Bus = events.NewBus(a.Logger)
		a.Logger.Debug().Msg("In-memory progress bus initialized")
	}

	a.initPlugins()

	a.Executor = executor.NewExecutor(a.Logger, a.Config, a.StorageManager, a.Bus, a.Trainer, a.Imager)
	a.Logger.Debug().Msg("Job executor initialized")

	register, err := uelr.NewRegister(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create interaction register: %w", err)
	}
	a.Register = register
	a.Logger.Debug().Str("dir", a.Config.UELRRoot()).Msg("Interaction register initialized")

	if err := a.initScheduler(); err != nil {
		return err
	}

	// A dedicated api process never consumes jobs; workers and combined
	// processes do, but only when the queue carries them.
	if a.Config.QueueEnabled() && a.Config.Server.Service != "api" {
		a.Processor = worker.NewProcessor(a.Logger, a.Config, a.QueueService, a.StorageManager, a.Bus, a.Executor)
	}

	return nil
}

// initPlugins selects backends by mode: fast-test wires mocks, production
// wires the ai-toolkit subprocess trainer and the ComfyUI HTTP client.
func (a *App) initPlugins() {
	if a.Config.IsProduction() {
		configDir := a.Config.Plugins.AIToolkit.ConfigDir
		if configDir == "" {
			configDir = filepath.Join(a.Config.VolumeRoot, "cache")
		}
		mirrorDir := filepath.Join(common.ServiceLatestDir(a.Config.LogRoot(), a.Config.ServiceName()), "subprocess")

		a.Trainer = training.NewAIToolkitPlugin(a.Logger, a.Config.Plugins.AIToolkit.Command, configDir, mirrorDir)
		a.Imager = image.NewComfyUIPlugin(a.Logger, a.Config.Plugins.ComfyUI.URL,
			parseDuration(a.Config.Plugins.ComfyUI.RequestTimeout, 30*time.Second))
	} else {
		a.Trainer = training.NewMockPlugin(a.Logger, a.Config.ArtifactsDir())
		a.Imager = image.NewMockPlugin(a.Logger)
	}

	a.Logger.Debug().
		Str("trainer", a.Trainer.Name()).
		Str("imager", a.Imager.Name()).
		Msg("Plugins initialized")
}

// initScheduler registers the maintenance jobs and starts cron. The UELR
// retention sweep always runs; the stale-job detector only matters when jobs
// cross process boundaries.
func (a *App) initScheduler() error {
	a.Scheduler = scheduler.NewService(a.Logger)

	retentionDays := a.Config.UELR.RetentionDays
	if err := a.Scheduler.RegisterJob(jobUELRCleanup, a.Config.UELR.CleanupSchedule, func() error {
		deleted, err := a.Register.Cleanup(a.ctx, retentionDays)
		if err != nil {
			return err
		}
		if deleted > 0 {
			a.Logger.Info().Int("deleted", deleted).Msg("Interaction retention sweep removed old records")
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to register retention sweep: %w", err)
	}

	if a.Config.QueueEnabled() {
		staleAfter := parseDuration(a.Config.Queue.StaleAfter, 30*time.Minute)
		schedule := "@every " + a.Config.Queue.SweepInterval
		if err := a.Scheduler.RegisterJob(jobStaleSweep, schedule, func() error {
			swept, err := worker.SweepStaleJobs(a.ctx, a.Logger, a.StorageManager.JobStorage(), a.Bus, staleAfter)
			if err != nil {
				return err
			}
			if swept > 0 {
				a.Logger.Warn().Int("count", swept).Msg("Marked stale jobs as failed")
			}
			return nil
		}); err != nil {
			return fmt.Errorf("failed to register stale-job sweep: %w", err)
		}
	}

	// Badger needs periodic value-log compaction; the redis store does not
	if collector, ok := a.StorageManager.(interface{ RunGC() error }); ok {
		if interval := a.Config.Storage.Badger.GCInterval; interval != "" {
			if err := a.Scheduler.RegisterJob(jobStorageGC, "@every "+interval, collector.RunGC); err != nil {
				return fmt.Errorf("failed to register storage gc: %w", err)
			}
		}
	}

	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

// initHandlers constructs the HTTP handler set. Handlers only hold references;
// no goroutines start here.
func (a *App) initHandlers() {
	a.SystemHandler = handlers.NewSystemHandler(a.Config, a.StorageManager, a.QueueService, a.Trainer, a.Imager, a.Logger)
	a.CharacterHandler = handlers.NewCharacterHandler(a.Config, a.StorageManager, a.Logger)
	a.TrainingHandler = handlers.NewTrainingHandler(a.Config, a.StorageManager, a.QueueService, a.Bus, a.Executor, a.Trainer, a.Logger)
	a.GenerationHandler = handlers.NewGenerationHandler(a.Config, a.StorageManager, a.QueueService, a.Bus, a.Executor, a.Imager, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Config, a.StorageManager, a.Bus, a.Logger)
	a.LoraHandler = handlers.NewLoraHandler(a.Config, a.Logger)
	a.InteractionHandler = handlers.NewInteractionHandler(a.Register, a.Logger)
	a.ClientLogsHandler = handlers.NewClientLogsHandler(a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Bus, a.Logger)

	a.Logger.Debug().Msg("HTTP handlers initialized")
}

// Close shuts down all application resources in reverse initialization order.
// The log consumer stops last so shutdown lines still reach the service log.
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
		// Allow the websocket hub and bus feeds to wind down
		time.Sleep(100 * time.Millisecond)
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	if a.Processor != nil {
		a.Processor.Stop()
		a.Logger.Info().Msg("Job processor stopped")
	}

	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close progress bus")
		}
	}

	if a.QueueService != nil {
		if err := a.QueueService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
		} else {
			a.Logger.Info().Msg("Storage closed")
		}
	}

	if a.LogConsumer != nil {
		if err := a.LogConsumer.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop log consumer")
		}
	}

	common.Stop()
	return nil
}

// Context returns the application lifetime context. Background feeds tie
// their shutdown to it.
func (a *App) Context() context.Context {
	return a.ctx
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
