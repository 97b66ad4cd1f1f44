package security

import (
	"sort"
	"sync"

	"github.com/aegisd-project/aegisd/internal/core"
)

// IPFilter is the first stage of the chain: it rejects requests from IPs on
// the static blocklist or carrying an active reputation block. It only reads
// the reputation table, keeping the hot path race-free for this stage.
// The list sets are runtime-mutable via the admin surface.
type IPFilter struct {
	mu         sync.RWMutex
	allow      map[string]struct{}
	block      map[string]struct{}
	reputation *ReputationTable
}

// BlockSource identifies which mechanism rejected an IP.
type BlockSource string

const (
	BlockSourceStaticList BlockSource = "blocklist"
	BlockSourceReputation BlockSource = "threat_intelligence"
)

// NewIPFilter builds a filter from the configured static lists.
func NewIPFilter(allowlist, blocklist []string, reputation *ReputationTable) *IPFilter {
	f := &IPFilter{
		allow:      make(map[string]struct{}, len(allowlist)),
		block:      make(map[string]struct{}, len(blocklist)),
		reputation: reputation,
	}
	for _, ip := range allowlist {
		f.allow[ip] = struct{}{}
	}
	for _, ip := range blocklist {
		f.block[ip] = struct{}{}
	}
	return f
}

// IsAllowlisted reports whether the IP bypasses the entire chain.
func (f *IPFilter) IsAllowlisted(ip string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.allow[ip]
	return ok
}

// Check decides whether the IP may proceed. The static blocklist takes
// precedence and is checked even when the reputation score is zero. Blocked
// callers get a fixed access-denied result with no retry-after.
func (f *IPFilter) Check(ip string) (Decision, BlockSource, core.Severity) {
	f.mu.RLock()
	_, listed := f.block[ip]
	f.mu.RUnlock()

	if listed {
		return rejectBlocked(), BlockSourceStaticList, core.SeverityHigh
	}
	if f.reputation.IsBlocked(ip) {
		return rejectBlocked(), BlockSourceReputation, core.SeverityCritical
	}
	return Allow, "", 0
}

// AddBlock inserts the IP into the runtime blocklist.
func (f *IPFilter) AddBlock(ip string) {
	f.mu.Lock()
	f.block[ip] = struct{}{}
	f.mu.Unlock()
}

// RemoveBlock removes the IP from the runtime blocklist.
func (f *IPFilter) RemoveBlock(ip string) {
	f.mu.Lock()
	delete(f.block, ip)
	f.mu.Unlock()
}

// Blocklist returns the current blocklist, sorted.
func (f *IPFilter) Blocklist() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.block))
	for ip := range f.block {
		out = append(out, ip)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}
