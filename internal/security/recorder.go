package security

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/aegisd-project/aegisd/internal/store"
)

const persistQueueSize = 256

// persistJob is one unit of background persistence work: an event to append
// to the persisted log and/or a reputation entry to upsert.
type persistJob struct {
	eventData []byte
	ip        string
	entryData []byte
}

// Recorder is the single entry point for security events. Recording updates
// the in-memory ring buffer and the reputation table synchronously — later
// IP-filter checks within the same burst must observe the new score — while
// store writes and bus publishes drain through one bounded background
// goroutine so the response path never waits on persistence.
type Recorder struct {
	logger       zerolog.Logger
	store        store.Store
	bus          *core.EventBus
	reputation   *ReputationTable
	opTimeout    time.Duration
	maxPersisted int64

	mu       sync.Mutex
	events   []*core.SecurityEvent
	maxSize  int
	pos      int
	full     bool
	total    int64
	dropped  int64
	closed   bool

	queue chan persistJob
	done  chan struct{}
}

// NewRecorder creates a recorder; Start must be called before recording.
func NewRecorder(st store.Store, bus *core.EventBus, reputation *ReputationTable, cfg *core.SecurityConfig, opTimeout time.Duration, logger zerolog.Logger) *Recorder {
	maxSize := cfg.MaxBufferedEvents
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Recorder{
		logger:       logger.With().Str("component", "recorder").Logger(),
		store:        st,
		bus:          bus,
		reputation:   reputation,
		opTimeout:    opTimeout,
		maxPersisted: cfg.MaxPersistedEvents,
		events:       make([]*core.SecurityEvent, maxSize),
		maxSize:      maxSize,
		queue:        make(chan persistJob, persistQueueSize),
		done:         make(chan struct{}),
	}
}

// Start launches the background persistence writer.
func (r *Recorder) Start() {
	go r.writerLoop()
}

// Record assigns the event's identity fields if missing, buffers it, folds it
// into the reputation table, and enqueues persistence. Returns the updated
// reputation snapshot for the event's IP.
func (r *Recorder) Record(event *core.SecurityEvent) ThreatEntry {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	entry, increase := r.reputation.Apply(event)

	r.mu.Lock()
	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.maxSize
	if r.pos == 0 {
		r.full = true
	}
	r.total++
	r.mu.Unlock()

	r.logger.Debug().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("severity", event.Severity.String()).
		Str("ip", event.IP).
		Int("risk_increase", increase).
		Int("risk_score", entry.RiskScore).
		Bool("blocked", entry.Blocked).
		Msg("security event recorded")

	job := persistJob{ip: entry.IP}
	if data, err := event.Marshal(); err == nil {
		job.eventData = data
	} else {
		r.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to marshal event for persistence")
	}
	if data, err := json.Marshal(entry); err == nil {
		job.entryData = data
	}
	r.enqueue(job)

	return entry
}

// PersistEntry enqueues a reputation entry upsert without an event. Used by
// manual block/unblock.
func (r *Recorder) PersistEntry(entry ThreatEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		r.logger.Error().Err(err).Str("ip", entry.IP).Msg("failed to marshal threat entry")
		return
	}
	r.enqueue(persistJob{ip: entry.IP, entryData: data})
}

// enqueue holds the mutex across the send so it cannot race Close closing
// the queue: the send is non-blocking, and Close sets closed under the same
// mutex before closing the channel.
func (r *Recorder) enqueue(job persistJob) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	select {
	case r.queue <- job:
	default:
		r.dropped++
		r.logger.Warn().Int64("dropped_total", r.dropped).Msg("persistence queue full, write dropped")
	}
}

func (r *Recorder) writerLoop() {
	defer close(r.done)
	for job := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
		if job.eventData != nil {
			if err := r.store.PushTrim(ctx, store.EventLogKey, job.eventData, r.maxPersisted); err != nil {
				r.logger.Error().Err(err).Msg("failed to persist event")
			}
		}
		if job.entryData != nil {
			if err := r.store.HashSet(ctx, store.ThreatTableKey, job.ip, job.entryData); err != nil {
				r.logger.Error().Err(err).Str("ip", job.ip).Msg("failed to persist threat entry")
			}
		}
		cancel()

		if r.bus != nil && job.eventData != nil {
			if event, err := core.UnmarshalSecurityEvent(job.eventData); err == nil {
				if err := r.bus.PublishEvent(event); err != nil {
					r.logger.Error().Err(err).Msg("failed to publish event to bus")
				}
			}
		}
	}
}

// Close stops accepting writes and drains the persistence queue, bounded by ctx.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns up to limit buffered events, most recent first, optionally
// filtered by type (empty matches all).
func (r *Recorder) Events(limit int, typeFilter core.EventType) []*core.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int
	if r.full {
		total = r.maxSize
	} else {
		total = r.pos
	}
	if limit <= 0 || limit > total {
		limit = total
	}

	out := make([]*core.SecurityEvent, 0, limit)
	for i := 1; i <= total && len(out) < limit; i++ {
		idx := (r.pos - i + r.maxSize) % r.maxSize
		event := r.events[idx]
		if event == nil {
			break
		}
		if typeFilter != "" && event.Type != typeFilter {
			continue
		}
		out = append(out, event)
	}
	return out
}

// EventStats summarizes the buffered event trail.
type EventStats struct {
	Total      int64                  `json:"total_recorded"`
	Buffered   int                    `json:"buffered"`
	Dropped    int64                  `json:"persist_drops"`
	ByType     map[core.EventType]int `json:"by_type"`
	BySeverity map[string]int         `json:"by_severity"`
	LastHour   int                    `json:"last_hour"`
	LastDay    int                    `json:"last_24h"`
}

// Stats computes aggregate counts over the buffered events.
func (r *Recorder) Stats(now time.Time) EventStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := EventStats{
		Total:      r.total,
		Dropped:    r.dropped,
		ByType:     make(map[core.EventType]int),
		BySeverity: make(map[string]int),
	}

	var total int
	if r.full {
		total = r.maxSize
	} else {
		total = r.pos
	}

	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)
	for i := 0; i < total; i++ {
		event := r.events[i]
		if event == nil {
			continue
		}
		stats.Buffered++
		stats.ByType[event.Type]++
		stats.BySeverity[event.Severity.String()]++
		if event.Timestamp.After(hourAgo) {
			stats.LastHour++
		}
		if event.Timestamp.After(dayAgo) {
			stats.LastDay++
		}
	}
	return stats
}
