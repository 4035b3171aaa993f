package session

import "time"

// State is where a tenant connection sits in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateAwaitingScan
	StateOnline
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateOnline:
		return "online"
	case StateDisconnected:
		return "disconnected"
	default:
		return "uninitialized"
	}
}

// MarshalText lets State serialize as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event is a lifecycle notification raised by a connection handle.
// The set of events is closed; see the implementations below.
type Event interface {
	isEvent()
}

// QRIssued carries a fresh pairing challenge.
type QRIssued struct {
	Code string
}

// Ready means the tenant is authenticated and connected.
type Ready struct {
	Identity string
}

// Disconnected means the connection dropped or authentication was lost.
type Disconnected struct {
	Reason string
}

// MessageReceived wraps one inbound chat message.
type MessageReceived struct {
	Message Inbound
}

func (QRIssued) isEvent()        {}
func (Ready) isEvent()           {}
func (Disconnected) isEvent()    {}
func (MessageReceived) isEvent() {}

// Inbound is a chat message as seen by the router.
type Inbound struct {
	ID        string
	Sender    string // bare phone number, no server suffix
	Chat      string
	Broadcast bool
	Text      string
	Media     *Media
	PushName  string
	Timestamp time.Time
}

// Media describes an attachment. Ref is opaque to everything except the
// handle that produced it.
type Media struct {
	MimeType string
	FileName string
	Ref      any
}
