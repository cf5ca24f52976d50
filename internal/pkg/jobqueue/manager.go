package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/dhstx/productpage-sub002/internal/pkg/env"
)

// Config controls the manager's workers and periodic schedules.
type Config struct {
	Workers int
	// MarginInterval is how often a scheduled margin pass is enqueued. Zero disables it.
	MarginInterval time.Duration
	MarginWindow   time.Duration
	// DLQSweepInterval is how often dead-lettered events are replayed. Zero disables it.
	DLQSweepInterval time.Duration
	DLQSweepLimit    int
}

// ConfigFromEnv reads the manager configuration from the environment
func ConfigFromEnv() Config {
	return Config{
		Workers:          env.GetInt("JOBQUEUE_WORKERS", 3),
		MarginInterval:   env.GetMinutes("MARGIN_INTERVAL_MINUTES", 60),
		MarginWindow:     time.Duration(env.GetInt("MARGIN_WINDOW_HOURS", 24)) * time.Hour,
		DLQSweepInterval: env.GetMinutes("DLQ_SWEEP_INTERVAL_MINUTES", 0),
		DLQSweepLimit:    env.GetInt("DLQ_SWEEP_LIMIT", 50),
	}
}

// Manager manages the global job queue and background tasks
type Manager struct {
	queue        *Queue
	cfg          Config
	marginTicker *time.Ticker
	dlqTicker    *time.Ticker
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		cfg := ConfigFromEnv()
		globalManager = NewManager(NewQueue(cfg.Workers), cfg)
	})
	return globalManager
}

// NewManager creates a manager around an existing queue
func NewManager(queue *Queue, cfg Config) *Manager {
	return &Manager{
		queue:  queue,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.cfg.MarginInterval > 0 {
		m.marginTicker = time.NewTicker(m.cfg.MarginInterval)
		m.wg.Add(1)
		go m.tickerWorker("margin", m.marginTicker, m.enqueueScheduledMarginPass)
	}
	if m.cfg.DLQSweepInterval > 0 {
		m.dlqTicker = time.NewTicker(m.cfg.DLQSweepInterval)
		m.wg.Add(1)
		go m.tickerWorker("dlq sweep", m.dlqTicker, func() error {
			_, err := m.EnqueueDLQSweep(m.cfg.DLQSweepLimit)
			return err
		})
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.marginTicker != nil {
		m.marginTicker.Stop()
	}
	if m.dlqTicker != nil {
		m.dlqTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) tickerWorker(name string, ticker *time.Ticker, fn func() error) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started %s worker", name)

	for {
		select {
		case <-m.stopCh:
			log.Infof("[JobQueue Manager] %s worker stopping", name)
			return
		case <-ticker.C:
			if err := fn(); err != nil {
				log.Errorf("[JobQueue Manager] %s enqueue error: %v", name, err)
			}
		}
	}
}

func (m *Manager) enqueueScheduledMarginPass() error {
	_, err := m.EnqueueMarginPass(nil, nil)
	return err
}

// EnqueueMarginPass schedules a margin pass. Without a window the workers use
// the scheduled hour-aligned window.
func (m *Manager) EnqueueMarginPass(start, end *time.Time) (*Job, error) {
	payload := MarginPassJobPayload{PeriodStart: start, PeriodEnd: end}
	return m.queue.EnqueueJob(JobTypeMarginPass, payload.ToMap())
}

// EnqueueDLQSweep schedules a dead-letter replay of at most limit entries
func (m *Manager) EnqueueDLQSweep(limit int) (*Job, error) {
	return m.queue.EnqueueJob(JobTypeDLQSweep, DLQSweepJobPayload{Limit: limit}.ToMap())
}

// EnqueueLedgerReset schedules an eager cycle reset for one account
func (m *Manager) EnqueueLedgerReset(accountID string) (*Job, error) {
	return m.queue.EnqueueJob(JobTypeLedgerReset, LedgerResetJobPayload{AccountID: accountID}.ToMap())
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Queued     int64               `json:"queued"`
	Processing int64               `json:"processing"`
	Totals     map[JobStatus]int64 `json:"totals"`
}

// Stats reports queue depth and per-status totals
func (m *Manager) Stats(ctx context.Context) (*QueueStats, error) {
	queued, err := m.queue.GetQueueSize(ctx)
	if err != nil {
		return nil, err
	}
	processing, err := m.queue.GetProcessingSize(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := m.queue.GetJobStats(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{Queued: queued, Processing: processing, Totals: totals}, nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
