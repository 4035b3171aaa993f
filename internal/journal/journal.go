package journal

import (
	"sync"
	"time"
)

// Kinds of accepted messages.
const (
	KindText  = "text"
	KindAudio = "audio"
	KindMedia = "media"
)

// Entry is one accepted inbound message.
type Entry struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"numero"`
	From      string    `json:"from"`
	PushName  string    `json:"push_name,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal keeps the most recent accepted messages in memory, newest first.
type Journal struct {
	entries   []Entry
	byTenant  map[string][]Entry
	mu        sync.RWMutex
	max       int // across all tenants
	perTenant int
}

// New returns a journal holding up to max entries overall and perTenant
// entries for each tenant.
func New(max, perTenant int) *Journal {
	if max <= 0 {
		max = 1000
	}
	if perTenant <= 0 {
		perTenant = 100
	}
	return &Journal{
		byTenant:  make(map[string][]Entry),
		max:       max,
		perTenant: perTenant,
	}
}

// Add records e, trimming the oldest entries past the limits.
func (j *Journal) Add(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Text = Truncate(e.Text, 500)

	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append([]Entry{e}, j.entries...)
	if len(j.entries) > j.max {
		j.entries = j.entries[:j.max]
	}

	list := append([]Entry{e}, j.byTenant[e.Tenant]...)
	if len(list) > j.perTenant {
		list = list[:j.perTenant]
	}
	j.byTenant[e.Tenant] = list
}

// Recent returns up to limit entries across every tenant.
func (j *Journal) Recent(limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return head(j.entries, limit)
}

// ForTenant returns up to limit entries for one tenant.
func (j *Journal) ForTenant(tenant string, limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return head(j.byTenant[tenant], limit)
}

// Forget drops a tenant's per-tenant history.
func (j *Journal) Forget(tenant string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.byTenant, tenant)
}

// Count returns the number of entries held overall.
func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// LastAt returns when the newest entry was recorded.
func (j *Journal) LastAt() (time.Time, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.entries) == 0 {
		return time.Time{}, false
	}
	return j.entries[0].Timestamp, true
}

func head(list []Entry, limit int) []Entry {
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Entry, limit)
	copy(out, list[:limit])
	return out
}

// Truncate shortens s to at most maxLen runes, marking the cut with "...".
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
