package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whatsapp-automation/bridge/internal/session"
)

const DefaultAPIURL = "https://api.telegram.org"

// Notifier handles Telegram notifications
type Notifier struct {
	token  string
	chatID string
	apiURL string
	client *http.Client
	log    *zap.Logger
}

// NewNotifier creates a notifier for one bot and chat.
func NewNotifier(token, chatID string, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		token:  token,
		chatID: chatID,
		apiURL: DefaultAPIURL,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.Named("telegram"),
	}
}

// SendAlert sends a message to Telegram
func (n *Notifier) SendAlert(ctx context.Context, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(n.apiURL, "/"), n.token)

	payload := map[string]string{
		"chat_id":    n.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// AlertConnected reports a tenant coming online.
func (n *Notifier) AlertConnected(ctx context.Context, tenant, identity string) {
	msg := fmt.Sprintf(`✅ <b>CONNECTED</b>

📱 Tenant: %s
🔗 Number: %s
⏰ Time: %s`, html.EscapeString(tenant), html.EscapeString(identity), time.Now().Format("2006-01-02 15:04:05"))

	if err := n.SendAlert(ctx, msg); err != nil {
		n.log.Warn("failed to send connected alert", zap.String("tenant", tenant), zap.Error(err))
	}
}

// AlertDisconnected reports a tenant dropping offline.
func (n *Notifier) AlertDisconnected(ctx context.Context, tenant string) {
	msg := fmt.Sprintf(`⚠️ <b>DISCONNECTED</b>

📱 Tenant: %s
⏰ Time: %s`, html.EscapeString(tenant), time.Now().Format("2006-01-02 15:04:05"))

	if err := n.SendAlert(ctx, msg); err != nil {
		n.log.Warn("failed to send disconnect alert", zap.String("tenant", tenant), zap.Error(err))
	}
}

// Observe is a session.Observer that alerts on online/offline edges. Alerts
// go out in the background.
func (n *Notifier) Observe(snap session.Snapshot, prev session.State) {
	var send func(ctx context.Context)
	switch {
	case snap.State == session.StateOnline && prev != session.StateOnline:
		send = func(ctx context.Context) { n.AlertConnected(ctx, snap.TenantID, snap.Identity) }
	case snap.State == session.StateDisconnected && prev == session.StateOnline:
		send = func(ctx context.Context) { n.AlertDisconnected(ctx, snap.TenantID) }
	default:
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		send(ctx)
	}()
}
