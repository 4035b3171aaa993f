package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handle is a live connection for one tenant.
type Handle interface {
	Start(ctx context.Context) error
	SendText(ctx context.Context, to, text string) error
	SendVoice(ctx context.Context, to, path string) error
	Download(ctx context.Context, media *Media) ([]byte, error)
	Close()
}

// Factory builds the handle for a tenant. emit must be used for every
// lifecycle event the handle raises.
type Factory func(tenantID string, emit func(Event)) (Handle, error)

// InboundHandler processes a tenant's messages. Calls for one session never
// overlap.
type InboundHandler interface {
	HandleInbound(ctx context.Context, s *Session, msg Inbound)
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, s *Session, msg Inbound)

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, s *Session, msg Inbound) {
	f(ctx, s, msg)
}

// Snapshot is an immutable view of a session.
type Snapshot struct {
	TenantID      string    `json:"numero"`
	State         State     `json:"state"`
	Online        bool      `json:"online"`
	Challenge     string    `json:"qr,omitempty"`
	Credential    string    `json:"-"`
	HasCredential bool      `json:"has_token"`
	Identity      string    `json:"identity,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Session is the registry entry for one tenant.
type Session struct {
	tenantID string
	handle   Handle
	mailbox  *mailbox
	ctx      context.Context
	cancel   context.CancelFunc
	fresh    atomic.Bool // set until one caller claims the creation

	mu         sync.RWMutex
	state      State
	online     bool
	challenge  string
	credential string
	identity   string
	createdAt  time.Time
	updatedAt  time.Time
}

func newSession(tenantID string) *Session {
	now := time.Now()
	return &Session{
		tenantID:  tenantID,
		state:     StateUninitialized,
		createdAt: now,
		updatedAt: now,
	}
}

// TenantID returns the tenant key.
func (s *Session) TenantID() string { return s.tenantID }

// Handle returns the connection handle.
func (s *Session) Handle() Handle { return s.handle }

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		TenantID:      s.tenantID,
		State:         s.state,
		Online:        s.online,
		Challenge:     s.challenge,
		Credential:    s.credential,
		HasCredential: s.credential != "",
		Identity:      s.identity,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}
}

// Credential returns the token currently bound to the tenant.
func (s *Session) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

func (s *Session) setCredential(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = token
	s.updatedAt = time.Now()
}

// apply moves the state machine for a lifecycle event. It returns the
// previous state and whether observers should hear about it. encode turns a raw pairing code into the challenge the
// panel displays.
func (s *Session) apply(ev Event, encode func(string) (string, error), log *zap.Logger) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	switch e := ev.(type) {
	case QRIssued:
		challenge, err := encode(e.Code)
		if err != nil {
			log.Warn("failed to encode pairing challenge", zap.Error(err))
			challenge = ""
		}
		s.state = StateAwaitingScan
		s.online = false
		s.challenge = challenge
	case Ready:
		s.state = StateOnline
		s.online = true
		s.challenge = ""
		if e.Identity != "" {
			s.identity = e.Identity
		}
	case Disconnected:
		s.state = StateDisconnected
		s.online = false
		s.challenge = ""
	default:
		return prev, false
	}
	s.updatedAt = time.Now()

	// QRIssued always counts so observers see every new challenge.
	_, isQR := ev.(QRIssued)
	return prev, prev != s.state || isQR
}
