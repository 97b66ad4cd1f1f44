package security

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/aegisd-project/aegisd/internal/core"
)

// AutoBlockThreshold is the risk score at which an IP is blocked without
// manual action. Blocking via threshold is monotonic: only a manual unblock
// clears it.
const AutoBlockThreshold = 80

// UnblockPenaltyRefund is subtracted from the risk score on manual unblock.
// An unblocked IP may keep a nonzero score: partial trust restoration, not a
// full pardon.
const UnblockPenaltyRefund = 50

var baseScore = map[core.EventType]int{
	core.EventRateLimit:          5,
	core.EventBruteForce:         15,
	core.EventSuspiciousActivity: 10,
	core.EventBlockedIP:          20,
	core.EventValidationError:    3,
}

var severityMultiplier = map[core.Severity]int{
	core.SeverityLow:      1,
	core.SeverityMedium:   2,
	core.SeverityHigh:     3,
	core.SeverityCritical: 5,
}

// ThreatEntry is the reputation aggregate for one IP. RiskScore is always in
// [0, 100]; ThreatTypes only ever grows.
type ThreatEntry struct {
	IP          string           `json:"ip"`
	RiskScore   int              `json:"risk_score"`
	ThreatTypes []core.EventType `json:"threat_types"`
	LastSeen    time.Time        `json:"last_seen"`
	Blocked     bool             `json:"blocked"`
}

func (e *ThreatEntry) hasType(t core.EventType) bool {
	for _, existing := range e.ThreatTypes {
		if existing == t {
			return true
		}
	}
	return false
}

func (e *ThreatEntry) clone() ThreatEntry {
	out := *e
	out.ThreatTypes = append([]core.EventType(nil), e.ThreatTypes...)
	return out
}

// ReputationTable is the in-memory per-IP risk table shared by all request
// workers. A single mutex guards it: score accumulation is read-modify-write
// and two concurrent events for the same IP must not lose an increment.
// Persistence is the caller's concern; mutating methods return a snapshot of
// the updated entry for the persistence queue.
type ReputationTable struct {
	mu      sync.RWMutex
	entries map[string]*ThreatEntry
}

// NewReputationTable creates an empty table.
func NewReputationTable() *ReputationTable {
	return &ReputationTable{entries: make(map[string]*ThreatEntry)}
}

// Load replaces the table contents from the persisted hash (field = IP,
// value = JSON entry). Invalid entries are skipped and reported.
func (t *ReputationTable) Load(fields map[string]string) (loaded, skipped int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[string]*ThreatEntry, len(fields))
	for ip, raw := range fields {
		var entry ThreatEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			skipped++
			continue
		}
		entry.IP = ip
		t.entries[ip] = &entry
		loaded++
	}
	return loaded, skipped
}

// Apply folds a recorded event into the IP's entry, creating it lazily.
// Returns a snapshot of the updated entry and the applied risk increase.
func (t *ReputationTable) Apply(event *core.SecurityEvent) (ThreatEntry, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[event.IP]
	if !ok {
		entry = &ThreatEntry{IP: event.IP}
		t.entries[event.IP] = entry
	}

	increase := baseScore[event.Type] * severityMultiplier[event.Severity]
	entry.RiskScore += increase
	if entry.RiskScore > 100 {
		entry.RiskScore = 100
	}
	entry.LastSeen = event.Timestamp
	if !entry.hasType(event.Type) {
		entry.ThreatTypes = append(entry.ThreatTypes, event.Type)
	}
	if entry.RiskScore >= AutoBlockThreshold {
		entry.Blocked = true
	}

	return entry.clone(), increase
}

// Block forces the entry to maximum risk and marks it blocked.
func (t *ReputationTable) Block(ip string, now time.Time) ThreatEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[ip]
	if !ok {
		entry = &ThreatEntry{IP: ip}
		t.entries[ip] = entry
	}
	entry.RiskScore = 100
	entry.Blocked = true
	entry.LastSeen = now
	return entry.clone()
}

// Unblock clears the block flag and refunds part of the risk score, clamped
// at zero. Returns false if the IP has no entry.
func (t *ReputationTable) Unblock(ip string) (ThreatEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[ip]
	if !ok {
		return ThreatEntry{}, false
	}
	entry.Blocked = false
	entry.RiskScore -= UnblockPenaltyRefund
	if entry.RiskScore < 0 {
		entry.RiskScore = 0
	}
	return entry.clone(), true
}

// IsBlocked reports whether the IP carries an active block.
func (t *ReputationTable) IsBlocked(ip string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[ip]
	return ok && entry.Blocked
}

// Get returns a snapshot of the IP's entry.
func (t *ReputationTable) Get(ip string) (ThreatEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[ip]
	if !ok {
		return ThreatEntry{}, false
	}
	return entry.clone(), true
}

// All returns all entries sorted by descending risk score.
func (t *ReputationTable) All() []ThreatEntry {
	t.mu.RLock()
	out := make([]ThreatEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry.clone())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// Counts returns the total number of entries, how many are blocked, and how
// many carry a risk score of at least min.
func (t *ReputationTable) Counts(min int) (total, blocked, atRisk int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, entry := range t.entries {
		total++
		if entry.Blocked {
			blocked++
		}
		if entry.RiskScore >= min {
			atRisk++
		}
	}
	return total, blocked, atRisk
}
