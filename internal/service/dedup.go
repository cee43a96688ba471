package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DedupGuard rejects identical order submissions repeated within a short
// window. It is a process-local, best-effort noise filter: a missed duplicate
// under extreme concurrency is tolerated because the structural probe in the
// order service provides the second line of defense.
type DedupGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewDedupGuard creates a guard with the given acceptance window
func NewDedupGuard(window time.Duration) *DedupGuard {
	return &DedupGuard{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Fingerprint derives the duplicate-detection key for a creation request:
// scope, normalized customer phone and the sorted item composition.
func Fingerprint(branchID, restaurantID, customerPhone string, items []OrderItemInput) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = fmt.Sprintf("%s:%d:%.2f", item.MenuItemID, item.Quantity, item.Price)
	}
	sort.Strings(lines)

	input := strings.Join([]string{
		branchID,
		restaurantID,
		normalizePhone(customerPhone),
		strings.Join(lines, ","),
	}, "|")

	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// Check records the fingerprint and reports whether an identical submission
// was already accepted within the window. On a duplicate it returns how long
// the caller should wait before retrying.
func (g *DedupGuard) Check(fingerprint string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)

	if acceptedAt, ok := g.seen[fingerprint]; ok {
		elapsed := now.Sub(acceptedAt)
		if elapsed < g.window {
			return g.window - elapsed, true
		}
	}

	g.seen[fingerprint] = now
	return 0, false
}

// Forget drops a fingerprint recorded by Check. Called when the submission it
// guarded failed to persist, so the client's retry is not mistaken for a
// duplicate of an order that never existed.
func (g *DedupGuard) Forget(fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, fingerprint)
}

// prune drops entries older than the window. Called under the lock.
func (g *DedupGuard) prune(now time.Time) {
	for fingerprint, acceptedAt := range g.seen {
		if now.Sub(acceptedAt) >= g.window {
			delete(g.seen, fingerprint)
		}
	}
}

// normalizePhone strips formatting characters so the same caller always
// produces the same fingerprint
func normalizePhone(phone string) string {
	var builder strings.Builder
	builder.Grow(len(phone))
	for _, char := range phone {
		if char >= '0' && char <= '9' {
			builder.WriteRune(char)
		}
	}
	return builder.String()
}
