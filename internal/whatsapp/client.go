package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/bridge/internal/config"
	"github.com/whatsapp-automation/bridge/internal/logging"
	"github.com/whatsapp-automation/bridge/internal/media"
	"github.com/whatsapp-automation/bridge/internal/session"
)

var (
	ErrNotConnected = errors.New("whatsapp client not connected")
	ErrClosed       = errors.New("whatsapp client closed")
)

// DefaultQRRetryDelay is the pause before a new pairing round after the
// previous set of codes expired.
const DefaultQRRetryDelay = 3 * time.Second

// Options are shared by every tenant client.
type Options struct {
	SessionsDir  string
	Proxy        *config.ProxyPool
	Watchdog     *Watchdog
	Logger       *zap.Logger
	QRRetryDelay time.Duration
}

// SetDeviceName sets how linked tenants show up in the phone's device list.
func SetDeviceName(name string) {
	platform := waCompanionReg.DeviceProps_CHROME
	store.DeviceProps.PlatformType = &platform
	store.DeviceProps.Os = proto.String(name)
}

// NewFactory returns a session.Factory building whatsmeow-backed handles.
func NewFactory(opts Options) session.Factory {
	return func(tenantID string, emit func(session.Event)) (session.Handle, error) {
		return New(tenantID, emit, opts)
	}
}

// Client is one tenant's WhatsApp connection.
type Client struct {
	tenantID string
	dbPath   string
	emit     func(session.Event)
	opts     Options
	log      *zap.Logger

	mu        sync.RWMutex
	container *sqlstore.Container
	wa        *whatsmeow.Client
	proxy     *config.ProxyConfig
	holdUntil time.Time // watchdog leaves the client alone until then
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
}

func New(tenantID string, emit func(session.Event), opts Options) (*Client, error) {
	dir := storeDirName(tenantID)
	if dir == "" {
		return nil, fmt.Errorf("tenant id %q has no usable characters", tenantID)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QRRetryDelay <= 0 {
		opts.QRRetryDelay = DefaultQRRetryDelay
	}
	return &Client{
		tenantID: tenantID,
		dbPath:   filepath.Join(opts.SessionsDir, dir, "whatsmeow.db"),
		emit:     emit,
		opts:     opts,
		log:      opts.Logger.Named("whatsapp").With(zap.String("tenant", tenantID)),
	}, nil
}

// Start opens the tenant's auth store and connects, pairing by QR when the
// store holds no device yet.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.dbPath), 0o700); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}

	c.log.Info("initializing session storage", zap.String("path", c.dbPath))
	dbURI := fmt.Sprintf("file:%s?_foreign_keys=on", c.dbPath)
	container, err := sqlstore.New(c.ctx, "sqlite3", dbURI, logging.WA(c.opts.Logger, "db-"+c.tenantID))
	if err != nil {
		return fmt.Errorf("failed to open session database: %w", err)
	}

	device, err := container.GetFirstDevice(c.ctx)
	if err != nil {
		container.Close()
		return fmt.Errorf("failed to get device: %w", err)
	}

	c.mu.Lock()
	c.container = container
	c.mu.Unlock()

	if c.opts.Watchdog != nil {
		c.opts.Watchdog.Register(c)
	}
	return c.connect(device)
}

// connect builds a whatsmeow client around device and brings it online.
func (c *Client) connect(device *store.Device) error {
	wa := whatsmeow.NewClient(device, logging.WA(c.opts.Logger, "client-"+c.tenantID))
	wa.EnableAutoReconnect = true

	if err := c.applyProxy(wa); err != nil {
		return err
	}
	wa.AddEventHandler(c.handleEvent)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wa = wa
	c.mu.Unlock()

	if wa.Store.ID != nil {
		c.log.Info("existing session found, connecting")
		if err := wa.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return nil
	}

	go c.pairLoop(wa)
	return nil
}

// proxyFor returns the tenant's current proxy, drawing a new one from the
// pool when none is assigned.
func (c *Client) proxyFor() *config.ProxyConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proxy == nil {
		c.proxy = c.opts.Proxy.ForTenant(c.tenantID)
	}
	return c.proxy
}

func (c *Client) applyProxy(wa *whatsmeow.Client) error {
	proxy := c.proxyFor()
	if !proxy.Enabled {
		return nil
	}
	if err := wa.SetProxyAddress(proxy.GetURL()); err != nil {
		return fmt.Errorf("failed to set proxy address: %w", err)
	}
	c.log.Info("using proxy", zap.String("proxy", proxy.String()))
	return nil
}

// dropProxy takes the current proxy out of the pool; the next connect
// draws another one.
func (c *Client) dropProxy() {
	c.mu.Lock()
	proxy := c.proxy
	c.proxy = nil
	c.mu.Unlock()
	if proxy != nil && proxy.Enabled {
		c.opts.Proxy.MarkBlocked(proxy)
	}
}

// pairer is the part of whatsmeow.Client the pairing loop drives.
type pairer interface {
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	Connect() error
	Disconnect()
}

// pairLoop keeps issuing QR challenges until the device is paired or the
// client is closed.
func (c *Client) pairLoop(wa pairer) {
	for {
		if c.ctx.Err() != nil {
			return
		}

		qrChan, err := wa.GetQRChannel(c.ctx)
		switch {
		case errors.Is(err, whatsmeow.ErrQRStoreContainsID):
			if err := wa.Connect(); err != nil {
				c.emit(session.Disconnected{Reason: err.Error()})
			}
			return
		case err != nil:
			c.log.Error("failed to get QR channel", zap.Error(err))
			c.emit(session.Disconnected{Reason: err.Error()})
		default:
			if err := wa.Connect(); err != nil {
				c.log.Error("failed to connect for pairing", zap.Error(err))
				c.emit(session.Disconnected{Reason: err.Error()})
			} else if c.consumeQR(qrChan) {
				return
			}
			wa.Disconnect()
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.QRRetryDelay):
		}
	}
}

// consumeQR forwards pairing codes and reports whether pairing succeeded.
func (c *Client) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) bool {
	for evt := range qrChan {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			c.log.Debug("QR code issued", zap.Duration("valid_for", evt.Timeout))
			c.emit(session.QRIssued{Code: evt.Code})
		case whatsmeow.QRChannelSuccess.Event:
			c.log.Info("login successful via QR")
			return true
		case whatsmeow.QRChannelTimeout.Event:
			c.log.Info("QR codes expired, starting a new pairing round")
			return false
		default:
			c.log.Warn("pairing failed", zap.String("event", evt.Event), zap.Error(evt.Error))
			return false
		}
	}
	return false
}

// handleEvent translates whatsmeow events into lifecycle events.
func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.log.Info("connected to WhatsApp")
		c.emit(session.Ready{Identity: c.identity()})
		if c.opts.Watchdog != nil {
			c.opts.Watchdog.ResetFailures(c.tenantID)
		}

	case *events.PairSuccess:
		c.log.Info("paired with device", zap.String("jid", v.ID.String()))

	case *events.Disconnected:
		c.log.Warn("disconnected from WhatsApp")
		c.emit(session.Disconnected{Reason: "connection lost"})

	case *events.StreamReplaced:
		c.log.Warn("stream replaced, another client connected with the same session")
		c.hold(30 * time.Minute)
		c.emit(session.Disconnected{Reason: "stream replaced"})

	case *events.TemporaryBan:
		c.log.Warn("temporary ban", zap.String("code", v.Code.String()), zap.Duration("expires", v.Expire))
		c.hold(v.Expire)
		c.dropProxy()
		c.emit(session.Disconnected{Reason: "temporary ban: " + v.String()})

	case *events.ConnectFailure:
		c.log.Warn("connect failure", zap.String("reason", v.Reason.String()), zap.String("message", v.Message))
		if !v.Reason.IsLoggedOut() {
			c.dropProxy()
		}
		c.emit(session.Disconnected{Reason: "connect failure: " + v.Reason.String()})

	case *events.LoggedOut:
		c.log.Warn("logged out from WhatsApp", zap.String("reason", v.Reason.String()))
		c.emit(session.Disconnected{Reason: "logged out"})
		go c.repair()

	case *events.KeepAliveTimeout:
		c.log.Warn("keepalive timeout", zap.Int("errors", v.ErrorCount))

	case *events.Message:
		if in, ok := extractInbound(v); ok {
			c.emit(session.MessageReceived{Message: in})
		}
	}
}

// repair drops the logged-out device and starts pairing a fresh one. The
// handle stays the same; only the inner client changes.
func (c *Client) repair() {
	c.mu.Lock()
	old, container, closed := c.wa, c.container, c.closed
	c.wa = nil
	c.mu.Unlock()
	if closed || container == nil {
		return
	}

	if old != nil {
		old.Disconnect()
		if old.Store.ID != nil {
			if err := old.Store.Delete(c.ctx); err != nil {
				c.log.Warn("failed to delete logged out device", zap.Error(err))
			}
		}
	}

	c.log.Info("re-pairing with a fresh device")
	if err := c.connect(container.NewDevice()); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Error("failed to start re-pairing", zap.Error(err))
		c.emit(session.Disconnected{Reason: err.Error()})
	}
}

func (c *Client) identity() string {
	wa := c.client()
	if wa == nil || wa.Store == nil || wa.Store.ID == nil {
		return ""
	}
	return wa.Store.ID.User
}

func (c *Client) hold(d time.Duration) {
	c.mu.Lock()
	c.holdUntil = time.Now().Add(d)
	c.mu.Unlock()
}

func (c *Client) heldUntil() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.holdUntil
}

func (c *Client) client() *whatsmeow.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wa
}

func (c *Client) connected() (*whatsmeow.Client, error) {
	c.mu.RLock()
	wa, closed := c.wa, c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if wa == nil || !wa.IsConnected() {
		return nil, ErrNotConnected
	}
	return wa, nil
}

// SendText sends a plain text message to a phone number.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	wa, err := c.connected()
	if err != nil {
		return err
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	if _, err := wa.SendMessage(ctx, jid, textMessage(text)); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// SendVoice uploads the audio file at path and sends it as a voice note.
func (c *Client) SendVoice(ctx context.Context, to, path string) error {
	wa, err := c.connected()
	if err != nil {
		return err
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}

	uploaded, err := wa.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}

	audioMsg := &waE2E.AudioMessage{
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		MediaKey:      uploaded.MediaKey,
		Mimetype:      proto.String(voiceMIME(path, data)),
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uint64(len(data))),
		PTT:           proto.Bool(true),
	}
	if _, err := wa.SendMessage(ctx, jid, &waE2E.Message{AudioMessage: audioMsg}); err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	return nil
}

func voiceMIME(path string, data []byte) string {
	if t := media.DetectMIME(data, ""); t != "" {
		return t
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "audio/mpeg"
}

// Download fetches and decrypts an inbound attachment.
func (c *Client) Download(ctx context.Context, m *session.Media) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("no media")
	}
	ref, ok := m.Ref.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("media reference %T is not downloadable", m.Ref)
	}
	wa := c.client()
	if wa == nil {
		return nil, ErrNotConnected
	}
	data, err := wa.Download(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

// Close disconnects and releases the auth store. The stored session is kept
// so the tenant reconnects without a new QR next time.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wa, container, cancel := c.wa, c.container, c.cancel
	c.mu.Unlock()

	if c.opts.Watchdog != nil {
		c.opts.Watchdog.Unregister(c.tenantID)
	}
	if cancel != nil {
		cancel()
	}
	if wa != nil {
		wa.Disconnect()
	}
	if container != nil {
		if err := container.Close(); err != nil {
			c.log.Warn("failed to close session database", zap.Error(err))
		}
	}
	c.log.Info("client closed")
}
