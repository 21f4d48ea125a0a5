package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/api"
	"github.com/relaymesh/relaymesh/pkg/batch"
	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/config"
	"github.com/relaymesh/relaymesh/pkg/consistent"
	"github.com/relaymesh/relaymesh/pkg/coordinator"
	"github.com/relaymesh/relaymesh/pkg/dedup"
	"github.com/relaymesh/relaymesh/pkg/kv"
	"github.com/relaymesh/relaymesh/pkg/kv/upstash"
	"github.com/relaymesh/relaymesh/pkg/kv/workerskv"
	"github.com/relaymesh/relaymesh/pkg/mediagroup"
	"github.com/relaymesh/relaymesh/pkg/metrics"
	"github.com/relaymesh/relaymesh/pkg/queue"
	"github.com/relaymesh/relaymesh/pkg/shutdown"
	"github.com/relaymesh/relaymesh/pkg/statesync"
	"github.com/relaymesh/relaymesh/pkg/stream"
	"github.com/relaymesh/relaymesh/pkg/task"
	"github.com/relaymesh/relaymesh/pkg/task/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay instance",
	Long: `Start a relay instance with the specified configuration.

The instance registers itself in the shared coordination store,
participates in leader election, serves the webhook and stream HTTP
endpoints, and processes upload tasks.

Examples:
  # Start with default config location
  relaymesh start

  # Start with custom config file
  relaymesh start --config /etc/relaymesh/config.yaml

  # Start with environment variable overrides
  RELAYMESH_LOGGING_LEVEL=DEBUG relaymesh start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Metrics first so the constructors below see an enabled registry.
	if cfg.Metrics.IsEnabled() {
		metrics.InitRegistry()
		logger.Info("metrics enabled")
	} else {
		logger.Info("metrics disabled")
	}

	// ===========================================================================
	// Cache tier
	// ===========================================================================

	primary, fallback, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	cacheSvc, err := cache.NewService(cache.Config{
		Primary:           primary,
		Fallback:          fallback,
		PreferredProvider: preferredProviderName(cfg),
		MaxFailures:       cfg.Cache.FailureThresholdForFailover,
		L1TTLCap:          cfg.Cache.L1TTLCap,
		ProbeInterval:     cfg.Cache.ProbeInterval,
		Metrics:           metrics.NewCacheMetrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to create cache service: %w", err)
	}
	if err := cacheSvc.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize cache service: %w", err)
	}

	// ===========================================================================
	// Persistence
	// ===========================================================================

	repo, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize task store: %w", err)
	}

	// ===========================================================================
	// Coordination
	// ===========================================================================

	coord := coordinator.New(cacheSvc, coordinator.Config{
		InstanceURL:       cfg.Instance.URL,
		Region:            cfg.Instance.Region,
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval,
		InstanceTimeout:   cfg.Coordinator.InstanceTimeout,
		LockTTL:           cfg.Coordinator.LockDefaultTTL,
		LockMaxAttempts:   cfg.Coordinator.LockMaxAttempts,
		Metrics:           metrics.NewCoordinatorMetrics(),
	})
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	logger.Info("instance registered", logger.KeyInstanceID, coord.InstanceID())

	// ===========================================================================
	// Messaging
	// ===========================================================================

	queueSvc, err := queue.NewService(queue.Config{
		WebhookBase:   cfg.Queue.WebhookBase,
		Keys:          queue.SigningKeys{Current: cfg.Signing.Current, Next: cfg.Signing.Next},
		TriggerSource: cfg.Queue.TriggerSource,
		Instance:      coord,
		Breaker: queue.BreakerConfig{
			FailureThreshold: cfg.Queue.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.Queue.CircuitBreaker.SuccessThreshold,
			OpenTimeout:      cfg.Queue.CircuitBreaker.OpenTimeout,
		},
		RequestTimeout: cfg.Queue.RequestTimeout,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to create queue service: %w", err)
	}

	// ===========================================================================
	// Shared state
	// ===========================================================================

	ccache := consistent.New(cacheSvc, coord, queueSvc)

	syncer := statesync.New(cacheSvc, coord, queueSvc, statesync.Config{
		SyncInterval: cfg.Sync.Interval,
	})
	syncer.Start()

	deduper := dedup.New(cacheSvc, cfg.Dedup.Window)

	batchSvc := batch.New(cacheSvc, coord, queueSvc, batch.Config{
		MaxBatchSize:         cfg.Batch.MaxBatchSize,
		MaxConcurrentBatches: cfg.Batch.MaxConcurrentBatches,
	})

	// ===========================================================================
	// Transfers
	// ===========================================================================

	s3Client, err := stream.NewS3Client(ctx, stream.S3Config{
		Endpoint:        cfg.Stream.S3.Endpoint,
		Region:          cfg.Stream.S3.Region,
		AccessKeyID:     cfg.Stream.S3.AccessKeyID,
		SecretAccessKey: cfg.Stream.S3.SecretAccessKey,
		ForcePathStyle:  cfg.Stream.S3.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}
	storage := stream.NewS3Storage(s3Client, cfg.Stream.S3.Bucket, cfg.Stream.S3.KeyPrefix)

	var sinks stream.SinkFactory = storage
	if cfg.Stream.Uploader == "exec" {
		execSinks, err := stream.NewExecSinkFactory(stream.ExecSinkConfig{
			Command:      cfg.Stream.UploaderCommand,
			ArgsTemplate: cfg.Stream.UploaderArgs,
		})
		if err != nil {
			return fmt.Errorf("failed to create exec sink factory: %w", err)
		}
		sinks = execSinks
	}

	mgr := task.NewManager(repo, coord, storage, queueSvc,
		&sourceChecker{store: cacheSvc}, syncer)

	tracker := stream.NewTracker(cacheSvc)
	sessions := stream.NewSessions(stream.SessionConfig{
		InstanceSecret: cfg.Instance.Secret,
		StaleTimeout:   cfg.Stream.StaleTimeout,
	}, sinks, tracker, &progressNotifier{queue: queueSvc}, &taskCompleter{repo: repo, mirror: syncer})
	sessions.StartJanitor()

	groups := mediagroup.New(mediagroup.Config{
		Threshold:     cfg.Buffer.Threshold,
		BufferTimeout: cfg.Buffer.Timeout,
	}, groupHandler(ctx, deduper, queueSvc))

	// ===========================================================================
	// HTTP surface
	// ===========================================================================

	apiSrv := api.NewServer(cfg.API, api.Dependencies{
		Coordinator: coord,
		Queue:       queueSvc,
		Tasks:       mgr,
		Sessions:    sessions,
		Tracker:     tracker,
		Dispatch:    makeDispatcher(syncer, ccache, batchSvc, mgr, groups),
	})

	orch := shutdown.New(cfg.ShutdownTimeout)
	orch.SetTaskCounter(mgr.ProcessingCount)

	orch.Register("api-server", shutdown.PriorityHTTPServer, func(ctx context.Context) error {
		return apiSrv.Stop(ctx)
	})
	orch.Register("instance-coordinator", shutdown.PriorityCoordinator, func(ctx context.Context) error {
		syncer.Stop()
		sessions.StopJanitor()
		return coord.Stop(ctx)
	})
	orch.Register("task-drain", shutdown.PriorityUpstream, func(ctx context.Context) error {
		orch.DrainTasks(ctx, cfg.ShutdownTimeout/2)
		return nil
	})
	orch.Register("task-repository", shutdown.PriorityRepository, func(ctx context.Context) error {
		return repo.Close()
	})
	orch.Register("cache", shutdown.PriorityCache, func(ctx context.Context) error {
		return cacheSvc.Destroy(ctx)
	})

	go runUploadWorker(ctx, mgr, repo)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- apiSrv.Start(ctx)
	}()
	go func() {
		if err := <-serverDone; err != nil {
			orch.HandleFatal("api-server", err)
		}
	}()

	logger.Info("instance running", "port", apiSrv.Port())
	orch.Listen()
	return nil
}

// buildProviders constructs the configured L2 providers in preferred
// order.
func buildProviders(cfg *config.Config) (primary, fallback kv.Store, err error) {
	var cf, up kv.Store

	if cfg.Cache.Cloudflare.APIToken != "" {
		cf, err = workerskv.New(cfg.Cache.Cloudflare)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create cloudflare provider: %w", err)
		}
	}
	if cfg.Cache.Upstash.URL != "" {
		up, err = upstash.New(cfg.Cache.Upstash)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create upstash provider: %w", err)
		}
	}

	if cfg.Cache.PreferredProvider == "upstash" {
		return up, cf, nil
	}
	return cf, up, nil
}

func preferredProviderName(cfg *config.Config) string {
	if cfg.Cache.PreferredProvider == "upstash" {
		return upstash.ProviderName
	}
	return workerskv.ProviderName
}

// makeDispatcher routes verified webhook messages by topic.
func makeDispatcher(
	syncer *statesync.Synchronizer,
	ccache *consistent.Cache,
	batchSvc *batch.Service,
	mgr *task.Manager,
	groups *mediagroup.Buffer,
) api.TopicDispatcher {
	return func(ctx context.Context, topic string, body []byte) error {
		switch topic {
		case queue.TopicStateSync:
			var event statesync.Event
			if err := json.Unmarshal(body, &event); err != nil {
				return fmt.Errorf("bad state sync event: %w", err)
			}
			syncer.HandleSyncEvent(event)
			return nil

		case queue.TopicCacheSync:
			var event consistent.SyncEvent
			if err := json.Unmarshal(body, &event); err != nil {
				return fmt.Errorf("bad cache sync event: %w", err)
			}
			ccache.HandleSyncEvent(event)
			return nil

		case queue.TopicDownload:
			msg, err := decodeTaskMessage(body)
			if err != nil {
				return err
			}
			// Album messages buffer until the group is complete.
			if msg.GroupID != "" {
				groups.Add(mediagroup.Message{
					ID:      msg.MsgID,
					ChatID:  msg.ChatID,
					GroupID: msg.GroupID,
					Payload: map[string]any{
						"task_id": msg.TaskID,
						"chat_id": msg.ChatID,
						"msg_id":  msg.MsgID,
					},
				})
				return nil
			}
			mgr.PushDownload(msg.TaskID)
			return nil

		case queue.TopicUpload:
			msg, err := decodeTaskMessage(body)
			if err != nil {
				return err
			}
			mgr.PushUpload(msg.TaskID)
			return nil

		case queue.TopicBatchEvents:
			return handleBatchEvent(ctx, batchSvc, mgr, body)

		case queue.TopicSystemEvents:
			logger.Debug("system event received")
			return nil

		default:
			return fmt.Errorf("unknown topic: %s", topic)
		}
	}
}

// taskMessage is the payload shape of download/upload topic messages.
type taskMessage struct {
	TaskID  string `json:"task_id"`
	ChatID  int64  `json:"chat_id"`
	MsgID   int64  `json:"msg_id"`
	GroupID string `json:"group_id"`
}

func decodeTaskMessage(body []byte) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("bad task message: %w", err)
	}
	if msg.TaskID == "" {
		return msg, fmt.Errorf("task message missing task_id")
	}
	return msg, nil
}

// groupHandler registers a completed media group as one deduplicated
// download batch.
func groupHandler(ctx context.Context, deduper *dedup.Deduplicator, q *queue.Service) mediagroup.Handler {
	return func(group mediagroup.Group) {
		if len(group.Messages) == 0 {
			return
		}
		reg, err := deduper.RegisterTask(ctx, group, dedup.RegisterOptions{
			DedupKey: fmt.Sprintf("group:%d:%s", group.ChatID, group.Messages[0].GroupID),
		})
		if err != nil {
			logger.Warn("media group registration failed",
				logger.KeyChatID, group.ChatID, logger.KeyError, err.Error())
			return
		}
		if !reg.Registered {
			logger.Debug("media group already registered", logger.KeyChatID, group.ChatID)
			return
		}

		for _, msg := range group.Messages {
			taskID, _ := msg.Payload["task_id"].(string)
			if taskID == "" {
				continue
			}
			if err := q.EnqueueDownloadTask(ctx, taskID, map[string]any{
				"chat_id":  msg.ChatID,
				"msg_id":   msg.ID,
				"group_id": msg.GroupID,
			}); err != nil {
				logger.Warn("group task enqueue failed",
					logger.KeyTaskID, taskID, logger.KeyError, err.Error())
			}
		}
	}
}

// batchEvent is the payload shape of batch_events topic messages.
type batchEvent struct {
	Action    string            `json:"action"`
	BatchID   string            `json:"batch_id"`
	BatchType string            `json:"batch_type"`
	Priority  string            `json:"priority"`
	Atomic    bool              `json:"atomic"`
	Items     []json.RawMessage `json:"items"`
}

// handleBatchEvent creates or runs a batch. Batch items are task
// messages; processing an item pushes it onto the download queue.
func handleBatchEvent(ctx context.Context, batchSvc *batch.Service, mgr *task.Manager, body []byte) error {
	var event batchEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("bad batch event: %w", err)
	}

	switch event.Action {
	case "create":
		batchID, err := batchSvc.CreateBatch(ctx, event.BatchType, event.Items, batch.CreateOptions{
			Priority: event.Priority,
			Atomic:   event.Atomic,
		})
		if err != nil {
			return err
		}
		logger.Info("batch created", logger.KeyBatchID, batchID, "items", len(event.Items))
		return nil

	case "process":
		if event.BatchID == "" {
			return fmt.Errorf("batch event missing batch_id")
		}
		outcome, err := batchSvc.ProcessBatch(ctx, event.BatchID, func(ctx context.Context, item json.RawMessage, index int) (any, error) {
			msg, err := decodeTaskMessage(item)
			if err != nil {
				return nil, err
			}
			mgr.PushDownload(msg.TaskID)
			return map[string]any{"task_id": msg.TaskID, "queued": true}, nil
		})
		if err != nil {
			return err
		}
		logger.Info("batch processed",
			logger.KeyBatchID, event.BatchID, "success", outcome.Success)
		return nil

	case "batch_update":
		// Lifecycle notifications published by peers; nothing to do.
		return nil

	default:
		return fmt.Errorf("unknown batch action: %s", event.Action)
	}
}

// runUploadWorker drains the upload queue one task at a time.
func runUploadWorker(ctx context.Context, mgr *task.Manager, repo *store.GORMStore) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			taskID, ok := mgr.NextUpload()
			if !ok {
				continue
			}
			record, err := repo.GetTask(ctx, taskID)
			if err != nil {
				logger.Warn("upload task lookup failed",
					logger.KeyTaskID, taskID, logger.KeyError, err.Error())
				continue
			}
			if err := mgr.UploadTask(ctx, record); err != nil {
				logger.Warn("upload task failed",
					logger.KeyTaskID, taskID, logger.KeyError, err.Error())
			}
		}
	}
}

// sourceChecker reports whether the source message a task came from is
// still available. Deletions are recorded in the shared cache; absent a
// tombstone the source is assumed present.
type sourceChecker struct {
	store *cache.Service
}

func (s *sourceChecker) SourceExists(ctx context.Context, chatID, msgID int64) (bool, error) {
	key := fmt.Sprintf("deleted_msg:%d:%d", chatID, msgID)
	_, found, err := s.store.Get(ctx, key, cache.Options{})
	if err != nil {
		return false, err
	}
	return !found, nil
}

// progressNotifier pushes UI progress edits onto the system events
// topic for the chat frontend to render.
type progressNotifier struct {
	queue *queue.Service
}

func (n *progressNotifier) EditProgress(ctx context.Context, chatID, msgID, uploadedBytes, totalSize int64) {
	err := n.queue.BroadcastSystemEvent(ctx, "progress_edit", map[string]any{
		"chat_id":        chatID,
		"msg_id":         msgID,
		"uploaded_bytes": uploadedBytes,
		"total_size":     totalSize,
	})
	if err != nil {
		logger.Debug("progress edit publish failed", logger.KeyError, err.Error())
	}
}

// taskCompleter finalizes transfers on the task record and clears the
// cross-instance state mirror.
type taskCompleter struct {
	repo   *store.GORMStore
	mirror *statesync.Synchronizer
}

func (c *taskCompleter) FinishTask(ctx context.Context, taskID string) error {
	if err := c.repo.UpdateStatus(ctx, taskID, store.StatusCompleted, ""); err != nil {
		return err
	}
	if err := c.mirror.ClearTaskState(ctx, taskID); err != nil {
		logger.Warn("task state clear failed",
			logger.KeyTaskID, taskID, logger.KeyError, err.Error())
	}
	return nil
}

func (c *taskCompleter) ReportError(ctx context.Context, taskID, reason string) error {
	return c.repo.UpdateStatus(ctx, taskID, store.StatusFailed, reason)
}
