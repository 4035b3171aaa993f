package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrEmptyTenant = errors.New("tenant id is empty")
)

// Observer is told about every state transition. prev is the state before
// the event was applied.
type Observer func(snap Snapshot, prev State)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l.Named("session") }
}

func WithMailboxSize(n int) Option {
	return func(m *Manager) { m.mailboxSize = n }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithTerminalQR prints every pairing code to w in addition to storing it.
func WithTerminalQR(w io.Writer) Option {
	return func(m *Manager) { m.encode = terminalEncoder(w) }
}

// Manager is the process-wide registry of tenant sessions. There is at most
// one session, and so one connection handle, per tenant.
type Manager struct {
	factory Factory
	handler InboundHandler

	log         *zap.Logger
	mailboxSize int
	observers   []Observer
	encode      func(string) (string, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group
}

// NewManager returns an empty registry. Handles are built with factory and
// inbound messages go to handler.
func NewManager(factory Factory, handler InboundHandler, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		factory:     factory,
		handler:     handler,
		log:         zap.NewNop(),
		mailboxSize: 64,
		encode:      EncodeChallenge,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the session for id without creating it.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[strings.TrimSpace(id)]
	return s, ok
}

// GetOrCreate returns the session for id, building and starting its handle
// on first use. Concurrent callers for the same id share one construction.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	s, _, err := m.getOrCreate(ctx, id)
	return s, err
}

// getOrCreate also reports whether this call built the session. Of all
// callers racing on a new id, exactly one sees created.
func (m *Manager) getOrCreate(ctx context.Context, id string) (s *Session, created bool, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, ErrEmptyTenant
	}
	if !ValidTenantID(id) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidTenant, id)
	}
	if s, ok := m.Get(id); ok {
		return s, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	v, err, _ := m.group.Do(id, func() (interface{}, error) {
		if s, ok := m.Get(id); ok {
			return s, nil
		}
		return m.create(id)
	})
	if err != nil {
		return nil, false, err
	}
	s = v.(*Session)
	return s, s.fresh.CompareAndSwap(true, false), nil
}

func (m *Manager) create(id string) (*Session, error) {
	log := m.log.With(zap.String("tenant", id))
	s := newSession(id)
	s.ctx, s.cancel = context.WithCancel(m.ctx)
	s.fresh.Store(true)

	s.mailbox = newMailbox(s.ctx, m.mailboxSize, func(ctx context.Context, msg Inbound) {
		m.handler.HandleInbound(ctx, s, msg)
	})
	handle, err := m.factory(id, func(ev Event) { m.dispatch(s, ev) })
	if err != nil {
		s.cancel()
		s.mailbox.close()
		return nil, fmt.Errorf("create handle for %s: %w", id, err)
	}
	s.handle = handle

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	log.Info("session created")
	go func() {
		if err := handle.Start(s.ctx); err != nil {
			log.Error("failed to start connection", zap.Error(err))
			m.dispatch(s, Disconnected{Reason: err.Error()})
		}
	}()
	return s, nil
}

// dispatch routes an event raised by s's handle.
func (m *Manager) dispatch(s *Session, ev Event) {
	if msg, ok := ev.(MessageReceived); ok {
		if !s.mailbox.push(msg.Message) {
			m.log.Debug("dropping message for closed session", zap.String("tenant", s.tenantID))
		}
		return
	}

	prev, notify := s.apply(ev, m.encode, m.log)
	if !notify {
		return
	}
	snap := s.Snapshot()
	m.log.Info("session state changed",
		zap.String("tenant", s.tenantID),
		zap.Stringer("from", prev),
		zap.Stringer("to", snap.State))
	for _, o := range m.observers {
		o(snap, prev)
	}
}

// BindCredential attaches token to the tenant, creating the session when
// needed. created reports whether this call created it.
func (m *Manager) BindCredential(ctx context.Context, id, token string) (created bool, err error) {
	s, created, err := m.getOrCreate(ctx, id)
	if err != nil {
		return false, err
	}
	s.setCredential(token)
	m.log.Info("credential bound", zap.String("tenant", s.tenantID), zap.Bool("created", created))
	return created, nil
}

// Remove closes the tenant's connection and forgets it. A later
// GetOrCreate starts from scratch.
func (m *Manager) Remove(id string) bool {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.shutdown(s)
	m.log.Info("session removed", zap.String("tenant", id))
	return true
}

// List returns a snapshot of every session ordered by tenant id.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close disconnects every tenant.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.cancel()
	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.shutdown(s)
		}(s)
	}
	wg.Wait()
}

// shutdown aborts the message in flight before waiting for the consumer.
func (m *Manager) shutdown(s *Session) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.handle != nil {
		s.handle.Close()
	}
	if s.mailbox != nil {
		s.mailbox.close()
	}
}
