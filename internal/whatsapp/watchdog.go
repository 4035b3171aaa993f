package whatsapp

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCheckInterval is how often paired clients are checked.
	DefaultCheckInterval = 30 * time.Second
	// DefaultReconnectCooldown is the minimum gap between attempts for one tenant.
	DefaultReconnectCooldown = 60 * time.Second
	// MaxReconnectFailures before the watchdog gives up on a tenant.
	MaxReconnectFailures = 5
	maxCooldown          = 30 * time.Minute
)

// reconnecter is the part of Client the watchdog drives.
type reconnecter interface {
	tenant() string
	needsReconnect() bool
	reconnect() error
	heldUntil() time.Time
}

// Watchdog reconnects paired clients that dropped and were not brought back
// by whatsmeow's own auto-reconnect. Failing tenants are retried with a
// doubling cooldown.
type Watchdog struct {
	checkInterval     time.Duration
	reconnectCooldown time.Duration
	log               *zap.Logger
	now               func() time.Time

	mu                   sync.Mutex
	clients              map[string]reconnecter
	lastReconnectAttempt map[string]time.Time
	reconnectFailures    map[string]int

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewWatchdog(log *zap.Logger) *Watchdog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{
		checkInterval:        DefaultCheckInterval,
		reconnectCooldown:    DefaultReconnectCooldown,
		log:                  log.Named("watchdog"),
		now:                  time.Now,
		clients:              make(map[string]reconnecter),
		lastReconnectAttempt: make(map[string]time.Time),
		reconnectFailures:    make(map[string]int),
		stopChan:             make(chan struct{}),
	}
}

func (w *Watchdog) Register(c *Client) {
	w.register(c)
}

func (w *Watchdog) register(r reconnecter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clients[r.tenant()] = r
}

func (w *Watchdog) Unregister(tenantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.clients, tenantID)
	delete(w.lastReconnectAttempt, tenantID)
	delete(w.reconnectFailures, tenantID)
}

// ResetFailures clears a tenant's failure history after a good connection.
func (w *Watchdog) ResetFailures(tenantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.reconnectFailures, tenantID)
	delete(w.lastReconnectAttempt, tenantID)
}

// Start runs the check loop until Stop.
func (w *Watchdog) Start() {
	w.log.Info("starting connection watchdog", zap.Duration("interval", w.checkInterval))
	go func() {
		ticker := time.NewTicker(w.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopChan:
				return
			case <-ticker.C:
				w.checkAndReconnect()
			}
		}
	}()
}

func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// checkAndReconnect makes one pass over the registered clients and returns
// how many came back.
func (w *Watchdog) checkAndReconnect() int {
	w.mu.Lock()
	clients := make([]reconnecter, 0, len(w.clients))
	for _, c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.Unlock()

	reconnected := 0
	for _, c := range clients {
		if !c.needsReconnect() || w.now().Before(c.heldUntil()) {
			continue
		}
		if !w.shouldAttemptReconnect(c.tenant()) {
			continue
		}
		if w.attemptReconnect(c) {
			reconnected++
		}
	}
	if reconnected > 0 {
		w.log.Info("reconnected tenants", zap.Int("count", reconnected))
	}
	return reconnected
}

func (w *Watchdog) shouldAttemptReconnect(tenantID string) bool {
	w.mu.Lock()
	lastAttempt, exists := w.lastReconnectAttempt[tenantID]
	failures := w.reconnectFailures[tenantID]
	w.mu.Unlock()

	if failures >= MaxReconnectFailures {
		return false
	}
	if !exists {
		return true
	}
	return w.now().Sub(lastAttempt) >= w.cooldown(failures)
}

func (w *Watchdog) cooldown(failures int) time.Duration {
	cooldown := w.reconnectCooldown
	for i := 0; i < failures; i++ {
		cooldown *= 2
		if cooldown > maxCooldown {
			return maxCooldown
		}
	}
	return cooldown
}

func (w *Watchdog) attemptReconnect(c reconnecter) bool {
	tenantID := c.tenant()
	w.mu.Lock()
	w.lastReconnectAttempt[tenantID] = w.now()
	w.mu.Unlock()

	if err := c.reconnect(); err != nil {
		w.mu.Lock()
		w.reconnectFailures[tenantID]++
		failures := w.reconnectFailures[tenantID]
		w.mu.Unlock()

		if failures == 1 || failures == MaxReconnectFailures {
			w.log.Warn("reconnect failed",
				zap.String("tenant", tenantID),
				zap.Int("attempt", failures),
				zap.Int("max", MaxReconnectFailures),
				zap.Error(err))
		}
		return false
	}

	w.mu.Lock()
	w.reconnectFailures[tenantID] = 0
	w.mu.Unlock()
	return true
}

// Failures returns the current failure count per tenant.
func (w *Watchdog) Failures() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.reconnectFailures))
	for k, v := range w.reconnectFailures {
		out[k] = v
	}
	return out
}

func (c *Client) tenant() string { return c.tenantID }

// needsReconnect is true for a paired client that is currently offline.
func (c *Client) needsReconnect() bool {
	c.mu.RLock()
	wa, closed := c.wa, c.closed
	c.mu.RUnlock()
	if closed || wa == nil || wa.Store.ID == nil {
		return false
	}
	return !wa.IsConnected()
}

func (c *Client) reconnect() error {
	wa := c.client()
	if wa == nil {
		return ErrNotConnected
	}
	c.log.Info("watchdog reconnecting")
	if err := c.applyProxy(wa); err != nil {
		return err
	}
	return wa.Connect()
}
