package analytics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/models"
)

// Sink receives every recorded request, e.g. for persistence
type Sink interface {
	Enqueue(rec models.RequestRecord) error
}

// Collector is a bounded in-memory store of request records. When full,
// the oldest record is overwritten. All views copy the records under the
// lock and aggregate outside it.
type Collector struct {
	mu       sync.RWMutex
	records  []models.RequestRecord
	next     int
	full     bool
	capacity int

	started time.Time
	now     func() time.Time
	sink    Sink
	logger  *zap.Logger
}

// NewCollector creates a collector holding up to capacity records
func NewCollector(capacity int, logger *zap.Logger) *Collector {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Collector{
		records:  make([]models.RequestRecord, capacity),
		capacity: capacity,
		started:  time.Now(),
		now:      time.Now,
		logger:   logger,
	}
}

// WithSink forwards every record to sink after storing it
func (c *Collector) WithSink(sink Sink) *Collector {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	return c
}

// Record stores rec
func (c *Collector) Record(rec models.RequestRecord) {
	c.mu.Lock()
	c.records[c.next] = rec
	c.next = (c.next + 1) % c.capacity
	if c.next == 0 {
		c.full = true
	}
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		if err := sink.Enqueue(rec); err != nil {
			c.logger.Debug("request record not persisted",
				zap.String("request_id", rec.RequestID),
				zap.Error(err))
		}
	}
}

// Len returns the number of stored records
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.full {
		return c.capacity
	}
	return c.next
}

// Uptime returns the time since the collector was created
func (c *Collector) Uptime() time.Duration {
	return c.now().Sub(c.started)
}

// snapshot returns the records oldest first
func (c *Collector) snapshot() []models.RequestRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.full {
		out := make([]models.RequestRecord, c.next)
		copy(out, c.records[:c.next])
		return out
	}
	out := make([]models.RequestRecord, 0, c.capacity)
	out = append(out, c.records[c.next:]...)
	out = append(out, c.records[:c.next]...)
	return out
}
