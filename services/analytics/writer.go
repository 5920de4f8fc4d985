package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/repositories"
)

// ErrWriterNotRunning is returned by Enqueue before Start or after Stop.
var ErrWriterNotRunning = errors.New("request log writer not running")

// ErrBufferFull is returned when the pending queue is saturated and the record is dropped.
var ErrBufferFull = errors.New("request log buffer full")

// WriterConfig holds configuration for the Writer
type WriterConfig struct {
	BufferSize    int           // Size of the pending record channel
	WorkerCount   int           // Number of concurrent workers
	InsertTimeout time.Duration // Per-insert database deadline
	BatchSize     int           // Max records a worker writes in one transaction
}

// DefaultWriterConfig returns the default configuration
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BufferSize:    10000,
		WorkerCount:   2,
		InsertTimeout: 5 * time.Second,
		BatchSize:     1,
	}
}

// Writer persists request records to the request log table in the
// background. It satisfies Sink so the collector can hand records off
// without waiting on the database.
type Writer struct {
	repo    repositories.RequestLogRepository
	logger  *zap.Logger
	config  WriterConfig
	records chan models.RequestRecord
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	written int64
	failed  int64
	dropped int64
}

// NewWriter creates a new Writer instance
func NewWriter(repo repositories.RequestLogRepository, logger *zap.Logger, config WriterConfig) *Writer {
	def := DefaultWriterConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.InsertTimeout <= 0 {
		config.InsertTimeout = def.InsertTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}

	return &Writer{
		repo:    repo,
		logger:  logger,
		config:  config,
		records: make(chan models.RequestRecord, config.BufferSize),
	}
}

// Start starts the background workers
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("request log writer already started")
	}

	for i := 0; i < w.config.WorkerCount; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	w.started = true
	w.logger.Info("started request log writer",
		zap.Int("worker_count", w.config.WorkerCount),
		zap.Int("buffer_size", w.config.BufferSize))

	return nil
}

// Stop closes the queue and waits for pending records to drain.
func (w *Writer) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return ErrWriterNotRunning
	}
	w.stopped = true
	pending := len(w.records)
	close(w.records)
	w.mu.Unlock()

	w.logger.Info("stopping request log writer", zap.Int("pending_records", pending))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("request log writer stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("request log writer stop timeout after %v", timeout)
	}
}

// Enqueue queues a record without blocking.
func (w *Writer) Enqueue(rec models.RequestRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started || w.stopped {
		return ErrWriterNotRunning
	}

	select {
	case w.records <- rec:
		return nil
	default:
		w.dropped++
		w.logger.Warn("request log buffer full, dropping record",
			zap.String("request_id", rec.RequestID),
			zap.String("alias", rec.Alias))
		return ErrBufferFull
	}
}

func (w *Writer) worker(id int) {
	defer w.wg.Done()

	w.logger.Debug("request log worker started", zap.Int("worker_id", id))

	for rec := range w.records {
		batch := w.collect(rec)
		err := w.insert(batch)

		w.mu.Lock()
		if err != nil {
			w.failed += int64(len(batch))
		} else {
			w.written += int64(len(batch))
		}
		w.mu.Unlock()

		if err != nil {
			w.logger.Error("failed to persist request log",
				zap.Int("worker_id", id),
				zap.String("request_id", rec.RequestID),
				zap.Int("records", len(batch)),
				zap.Error(err))
		}
	}

	w.logger.Debug("request log worker stopped", zap.Int("worker_id", id))
}

// collect takes whatever is already queued behind first, up to BatchSize,
// without waiting for more
func (w *Writer) collect(first models.RequestRecord) []models.RequestRecord {
	batch := []models.RequestRecord{first}
	for len(batch) < w.config.BatchSize {
		select {
		case rec, ok := <-w.records:
			if !ok {
				return batch
			}
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (w *Writer) insert(batch []models.RequestRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.InsertTimeout)
	defer cancel()

	if len(batch) == 1 {
		return w.repo.Insert(ctx, &batch[0])
	}
	recs := make([]*models.RequestRecord, len(batch))
	for i := range batch {
		recs[i] = &batch[i]
	}
	return w.repo.InsertBatch(ctx, recs)
}

// WriterStats represents writer statistics
type WriterStats struct {
	BufferSize     int   `json:"buffer_size"`
	PendingRecords int   `json:"pending_records"`
	WorkerCount    int   `json:"worker_count"`
	Started        bool  `json:"started"`
	Written        int64 `json:"written"`
	Failed         int64 `json:"failed"`
	Dropped        int64 `json:"dropped"`
}

// Stats returns a snapshot of the writer counters
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WriterStats{
		BufferSize:     w.config.BufferSize,
		PendingRecords: len(w.records),
		WorkerCount:    w.config.WorkerCount,
		Started:        w.started && !w.stopped,
		Written:        w.written,
		Failed:         w.failed,
		Dropped:        w.dropped,
	}
}
