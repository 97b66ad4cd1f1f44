package security

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/aegisd-project/aegisd/internal/store"
)

// HighRiskThreshold is the score above which an IP counts as high risk in
// aggregate statistics.
const HighRiskThreshold = 50

// Engine is the request-time mitigation engine. It is constructed once at
// process start and injected into the HTTP layer and the admin API; Init and
// Shutdown make the lifecycle explicit.
//
// Availability over strict enforcement: every store lookup on the hot path
// is bounded by a short timeout and fails OPEN — on a store outage requests
// pass through with an error logged. Fail-closed is deliberately never used.
type Engine struct {
	cfg        *core.Config
	store      store.Store
	bus        *core.EventBus
	logger     zerolog.Logger
	reputation *ReputationTable
	recorder   *Recorder
	limiter    *RateLimiter
	guard      *BruteForceGuard
	detector   *Detector
	filter     *IPFilter
	opTimeout  time.Duration
	startedAt  time.Time
}

// New wires the engine components. The bus may be nil (no event publishing).
func New(cfg *core.Config, st store.Store, bus *core.EventBus, logger zerolog.Logger) (*Engine, error) {
	patterns, err := cfg.Security.CompilePatterns()
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "security_engine").Logger()
	reputation := NewReputationTable()
	timeout := cfg.Store.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	return &Engine{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		logger:     logger,
		reputation: reputation,
		recorder:   NewRecorder(st, bus, reputation, &cfg.Security, timeout, logger),
		limiter:    NewRateLimiter(cfg.Security.RateLimit, st, timeout, logger),
		guard:      NewBruteForceGuard(cfg.Security.BruteForce, st, timeout, logger),
		detector:   NewDetector(patterns),
		filter:     NewIPFilter(cfg.Security.IPAllowlist, cfg.Security.IPBlocklist, reputation),
		opTimeout:  timeout,
	}, nil
}

// Init loads the persisted reputation table and starts the background
// persistence writer. A store outage during load is not fatal: the engine
// starts with an empty table and converges as events arrive.
func (e *Engine) Init(ctx context.Context) error {
	e.startedAt = time.Now().UTC()

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := e.store.Ping(loadCtx); err != nil {
		e.logger.Warn().Err(err).Msg("state store unreachable at startup, starting with empty reputation table")
	} else {
		fields, err := e.store.HashGetAll(loadCtx, store.ThreatTableKey)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to load reputation table")
		} else {
			loaded, skipped := e.reputation.Load(fields)
			e.logger.Info().Int("loaded", loaded).Int("skipped", skipped).Msg("reputation table loaded")
		}
	}

	e.recorder.Start()
	e.logger.Info().Msg("security engine initialized")
	return nil
}

// Shutdown flushes pending persistence writes and closes the store and bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("shutting down security engine")

	if err := e.recorder.Close(ctx); err != nil {
		e.logger.Error().Err(err).Msg("persistence queue did not drain before shutdown deadline")
	}
	if e.bus != nil {
		if err := e.bus.Close(); err != nil {
			e.logger.Error().Err(err).Msg("error closing event bus")
		}
	}
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("closing state store: %w", err)
	}
	return nil
}

// RecordEvent is the ingestion point for collaborators that detect their own
// anomalies (e.g. the validation layer recording validation_error events).
func (e *Engine) RecordEvent(event *core.SecurityEvent) ThreatEntry {
	return e.recorder.Record(event)
}

// RecordFailedAttempt is called by the authentication collaborator after a
// failed login, feeding the brute-force guard.
func (e *Engine) RecordFailedAttempt(ctx context.Context, ip, endpoint string) error {
	_, _, err := e.guard.RecordFailure(ctx, ip, endpoint)
	if err != nil {
		e.logger.Error().Err(err).Str("ip", ip).Str("endpoint", endpoint).Msg("failed to record login failure")
	}
	return err
}

// BlockIP manually blocks an IP: maximum risk score, block flag, blocklist
// membership, persisted.
func (e *Engine) BlockIP(ip, reason string) ThreatEntry {
	entry := e.reputation.Block(ip, time.Now().UTC())
	e.filter.AddBlock(ip)
	e.recorder.PersistEntry(entry)
	e.logger.Info().Str("ip", ip).Str("reason", reason).Msg("IP manually blocked")
	return entry
}

// UnblockIP lifts a block and refunds part of the risk score. The remaining
// score is intentional: partial trust restoration, not a full pardon.
func (e *Engine) UnblockIP(ip string) (ThreatEntry, bool) {
	entry, ok := e.reputation.Unblock(ip)
	e.filter.RemoveBlock(ip)
	if ok {
		e.recorder.PersistEntry(entry)
		e.logger.Info().Str("ip", ip).Int("risk_score", entry.RiskScore).Msg("IP manually unblocked")
	}
	return entry, ok
}

// Threats returns the full reputation table, highest risk first.
func (e *Engine) Threats() []ThreatEntry {
	return e.reputation.All()
}

// Threat returns one IP's reputation entry.
func (e *Engine) Threat(ip string) (ThreatEntry, bool) {
	return e.reputation.Get(ip)
}

// Blocklist returns the current static blocklist.
func (e *Engine) Blocklist() []string {
	return e.filter.Blocklist()
}

// Events returns buffered events, most recent first.
func (e *Engine) Events(limit int, typeFilter core.EventType) []*core.SecurityEvent {
	return e.recorder.Events(limit, typeFilter)
}

// BusMetrics returns the event bus publish counters, or nil when no bus is
// configured.
func (e *Engine) BusMetrics() map[string]int64 {
	if e.bus == nil {
		return nil
	}
	return e.bus.GetMetrics()
}

// Stats is the aggregate view served by the admin API.
type Stats struct {
	Events        EventStats `json:"events"`
	ThreatTotal   int        `json:"threat_ips"`
	ThreatBlocked int        `json:"blocked_ips"`
	HighRiskIPs   int        `json:"high_risk_ips"`
	StoreHealthy  bool       `json:"store_healthy"`
	BusConnected  bool       `json:"bus_connected"`
	UptimeSeconds int64      `json:"uptime_seconds"`
}

// GetStats computes aggregate statistics.
func (e *Engine) GetStats(ctx context.Context) Stats {
	now := time.Now().UTC()
	total, blocked, atRisk := e.reputation.Counts(HighRiskThreshold)

	pingCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	return Stats{
		Events:        e.recorder.Stats(now),
		ThreatTotal:   total,
		ThreatBlocked: blocked,
		HighRiskIPs:   atRisk,
		StoreHealthy:  e.store.Ping(pingCtx) == nil,
		BusConnected:  e.bus != nil && e.bus.IsConnected(),
		UptimeSeconds: int64(now.Sub(e.startedAt).Seconds()),
	}
}
