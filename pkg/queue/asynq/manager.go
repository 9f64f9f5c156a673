package asynq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"appforge/internal/model"
	"appforge/pkg/config"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"

	"github.com/hibiken/asynq"
)

const (
	TypeNotifyCompletion = "notify:completion"
	TypeNotifyFailure    = "notify:failure"
	TypeCreditDeduct     = "billing:deduct"

	// finished tasks are kept so a duplicate enqueue is still rejected by task id
	taskRetention = 24 * time.Hour
)

// Manager dispatches terminal-session side effects with at-least-once delivery
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux

	maxRetry int
	timeout  time.Duration
}

// NewManager creates queue manager
func NewManager(cfg *config.Config) (*Manager, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues: map[string]int{
				"default": 10,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Second
			},
			Logger: asynqLogger{},
		},
	)

	return &Manager{
		client:   client,
		server:   server,
		mux:      asynq.NewServeMux(),
		maxRetry: cfg.Queue.MaxRetry,
		timeout:  config.Seconds(cfg.Queue.TaskTimeout),
	}, nil
}

// newNotificationTask builds the email task for a terminal session
func newNotificationTask(n *interfaces.Notification) (*asynq.Task, string, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal notification: %w", err)
	}
	taskType := TypeNotifyFailure
	if n.Phase == string(model.PhaseCompleted) {
		taskType = TypeNotifyCompletion
	}
	return asynq.NewTask(taskType, payload), "notify:" + n.RequestID, nil
}

// newDeductionTask builds the credit deduction task
func newDeductionTask(d *Deduction) (*asynq.Task, string, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal deduction: %w", err)
	}
	return asynq.NewTask(TypeCreditDeduct, payload), "credits:" + d.RequestID, nil
}

// EnqueueNotification enqueues the completion or failure email of a session.
// Enqueueing the same request twice is a no-op.
func (m *Manager) EnqueueNotification(ctx context.Context, n *interfaces.Notification) error {
	task, taskID, err := newNotificationTask(n)
	if err != nil {
		return err
	}
	return m.enqueue(ctx, task, taskID)
}

// EnqueueDeduction enqueues the credit deduction of a completed session.
func (m *Manager) EnqueueDeduction(ctx context.Context, userID, requestID string, amount int) error {
	task, taskID, err := newDeductionTask(&Deduction{UserID: userID, RequestID: requestID, Amount: amount})
	if err != nil {
		return err
	}
	return m.enqueue(ctx, task, taskID)
}

func (m *Manager) enqueue(ctx context.Context, task *asynq.Task, taskID string) error {
	opts := []asynq.Option{
		asynq.TaskID(taskID),
		asynq.MaxRetry(m.maxRetry),
		asynq.Retention(taskRetention),
	}
	if m.timeout > 0 {
		opts = append(opts, asynq.Timeout(m.timeout))
	}

	info, err := m.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		logger.InfoCtx(ctx, "task %s already enqueued, skipping", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}

	logger.InfoCtx(ctx, "task enqueued, task_id: %s, queue: %s", taskID, info.Queue)
	return nil
}

// RegisterHandlers registers the side-effect handlers
func (m *Manager) RegisterHandlers(mailer interfaces.Mailer, billing interfaces.CreditDeductor) {
	notify := &NotificationHandler{mailer: mailer}
	m.mux.Handle(TypeNotifyCompletion, notify)
	m.mux.Handle(TypeNotifyFailure, notify)
	m.mux.Handle(TypeCreditDeduct, &DeductionHandler{billing: billing})
}

// Start starts queue processor
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting queue server")
	return m.server.Start(m.mux)
}

// Stop stops queue processor
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping queue server")
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes client
func (m *Manager) Close() error {
	return m.client.Close()
}

// asynqLogger routes asynq's internal logging through zap
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logger.Debug(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { logger.Info(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { logger.Warn(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { logger.Error(fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { logger.Fatal(fmt.Sprint(args...)) }
