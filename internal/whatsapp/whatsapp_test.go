package whatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.mau.fi/whatsmeow"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/bridge/internal/config"
	"github.com/whatsapp-automation/bridge/internal/session"
)

func TestSanitizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+55 (11) 99999-0000", "5511999990000"},
		{"5511999990000@s.whatsapp.net", "5511999990000"},
		{"abc", ""},
	}
	for _, tt := range tests {
		if got := sanitizePhone(tt.in); got != tt.want {
			t.Errorf("sanitizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseJID(t *testing.T) {
	jid, err := parseJID("+5521988887777")
	if err != nil {
		t.Fatal(err)
	}
	if jid.String() != "5521988887777@s.whatsapp.net" {
		t.Errorf("jid = %s", jid)
	}
	if _, err := parseJID("---"); err == nil {
		t.Error("expected error for empty number")
	}
}

func TestStoreDirName(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"5511999999999", "5511999999999"},
		{"tenant_01-b", "tenant_01-b"},
		{"+5511999999999", ""},
		{"5511 999999999", ""},
		{"../5511/..", ""},
		{"5511.db", ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := storeDirName(tt.id); got != tt.want {
				t.Errorf("storeDirName(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func message(info types.MessageInfo, msg *waE2E.Message) *events.Message {
	if info.Chat.IsEmpty() {
		info.Chat = types.NewJID("5521988887777", types.DefaultUserServer)
	}
	if info.Sender.IsEmpty() {
		info.Sender = info.Chat
	}
	return &events.Message{Info: info, Message: msg}
}

func TestExtractInbound(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("plain text", func(t *testing.T) {
		in, ok := extractInbound(message(types.MessageInfo{ID: "A1", PushName: "Ana", Timestamp: now},
			&waE2E.Message{Conversation: proto.String("  Oi  ")}))
		if !ok {
			t.Fatal("not extracted")
		}
		if in.ID != "A1" || in.Sender != "5521988887777" || in.Text != "Oi" || in.PushName != "Ana" || !in.Timestamp.Equal(now) {
			t.Errorf("in = %+v", in)
		}
		if in.Media != nil || in.Broadcast {
			t.Errorf("unexpected media/broadcast: %+v", in)
		}
	})

	t.Run("extended text", func(t *testing.T) {
		in, _ := extractInbound(message(types.MessageInfo{},
			&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link https://x")}}))
		if in.Text != "link https://x" {
			t.Errorf("text = %q", in.Text)
		}
	})

	t.Run("voice note", func(t *testing.T) {
		audio := &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg; codecs=opus"), PTT: proto.Bool(true)}
		in, _ := extractInbound(message(types.MessageInfo{}, &waE2E.Message{AudioMessage: audio}))
		if in.Media == nil || in.Media.MimeType != "audio/ogg; codecs=opus" || in.Media.Ref != audio {
			t.Errorf("media = %+v", in.Media)
		}
		if in.Text != "" {
			t.Errorf("text = %q", in.Text)
		}
	})

	t.Run("captioned image", func(t *testing.T) {
		img := &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg"), Caption: proto.String("meu comprovante")}
		in, _ := extractInbound(message(types.MessageInfo{}, &waE2E.Message{ImageMessage: img}))
		if in.Media == nil || in.Text != "meu comprovante" {
			t.Errorf("in = %+v", in)
		}
	})

	t.Run("document keeps file name", func(t *testing.T) {
		doc := &waE2E.DocumentMessage{Mimetype: proto.String("application/pdf"), FileName: proto.String("nota.pdf")}
		in, _ := extractInbound(message(types.MessageInfo{}, &waE2E.Message{DocumentMessage: doc}))
		if in.Media == nil || in.Media.FileName != "nota.pdf" {
			t.Errorf("media = %+v", in.Media)
		}
	})

	t.Run("status broadcast is flagged", func(t *testing.T) {
		info := types.MessageInfo{}
		info.Chat = types.NewJID("status", types.BroadcastServer)
		info.Sender = types.NewJID("5521988887777", types.DefaultUserServer)
		in, ok := extractInbound(message(info, &waE2E.Message{Conversation: proto.String("story")}))
		if !ok || !in.Broadcast {
			t.Errorf("in = %+v ok=%v", in, ok)
		}
	})

	t.Run("lid sender resolved to phone", func(t *testing.T) {
		info := types.MessageInfo{}
		info.Sender = types.NewJID("123456789", types.HiddenUserServer)
		info.SenderAlt = types.NewJID("5521988887777", types.DefaultUserServer)
		info.Chat = info.Sender
		in, _ := extractInbound(message(info, &waE2E.Message{Conversation: proto.String("oi")}))
		if in.Sender != "5521988887777" {
			t.Errorf("sender = %q", in.Sender)
		}
	})

	t.Run("own and group messages skipped", func(t *testing.T) {
		own := types.MessageInfo{}
		own.IsFromMe = true
		if _, ok := extractInbound(message(own, &waE2E.Message{Conversation: proto.String("x")})); ok {
			t.Error("own message extracted")
		}
		group := types.MessageInfo{}
		group.IsGroup = true
		group.Chat = types.NewJID("1203630", types.GroupServer)
		if _, ok := extractInbound(message(group, &waE2E.Message{Conversation: proto.String("x")})); ok {
			t.Error("group message extracted")
		}
		if _, ok := extractInbound(&events.Message{}); ok {
			t.Error("empty event extracted")
		}
	})
}

type emitted struct {
	mu     sync.Mutex
	events []session.Event
}

func (e *emitted) emit(ev session.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *emitted) all() []session.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]session.Event(nil), e.events...)
}

func TestHandleEventTranslation(t *testing.T) {
	rec := &emitted{}
	c, err := New("5511999990000", rec.emit, Options{SessionsDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	c.handleEvent(&events.Connected{})
	c.handleEvent(&events.Disconnected{})
	c.handleEvent(&events.StreamReplaced{})
	c.handleEvent(message(types.MessageInfo{ID: "M"}, &waE2E.Message{Conversation: proto.String("oi")}))
	c.handleEvent(&events.LoggedOut{})

	got := rec.all()
	if len(got) != 5 {
		t.Fatalf("events = %#v", got)
	}
	if _, ok := got[0].(session.Ready); !ok {
		t.Errorf("got[0] = %#v", got[0])
	}
	if d, ok := got[1].(session.Disconnected); !ok || d.Reason != "connection lost" {
		t.Errorf("got[1] = %#v", got[1])
	}
	if d, ok := got[2].(session.Disconnected); !ok || d.Reason != "stream replaced" {
		t.Errorf("got[2] = %#v", got[2])
	}
	if m, ok := got[3].(session.MessageReceived); !ok || m.Message.Text != "oi" {
		t.Errorf("got[3] = %#v", got[3])
	}
	if d, ok := got[4].(session.Disconnected); !ok || d.Reason != "logged out" {
		t.Errorf("got[4] = %#v", got[4])
	}
	if !c.heldUntil().After(time.Now()) {
		t.Error("stream replacement should hold the watchdog off")
	}
}

func twoProxyPool() *config.ProxyPool {
	return config.LoadProxyPool(func(key string) string {
		if key == "PROXY_LIST" {
			return "p1.local:1080,p2.local:1080"
		}
		return ""
	})
}

func TestBlockedProxyIsReplaced(t *testing.T) {
	tests := []struct {
		name    string
		event   interface{}
		rotates bool
	}{
		{"temporary ban", &events.TemporaryBan{Code: events.TempBanSentToTooManyPeople, Expire: time.Minute}, true},
		{"connect failure", &events.ConnectFailure{Reason: events.ConnectFailureServiceUnavailable}, true},
		{"logged out failure", &events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := twoProxyPool()
			c, err := New("5511999990000", func(session.Event) {}, Options{SessionsDir: t.TempDir(), Proxy: pool})
			if err != nil {
				t.Fatal(err)
			}
			first := c.proxyFor()
			if !first.Enabled {
				t.Fatal("no proxy assigned")
			}

			c.handleEvent(tt.event)

			next := c.proxyFor()
			if tt.rotates {
				if next == first {
					t.Errorf("still on %s after %s", first, tt.name)
				}
				if pool.ForTenant("5511999990000") == first {
					t.Error("blocked proxy is still handed out")
				}
			} else if next != first {
				t.Errorf("proxy changed to %s", next)
			}
		})
	}
}

func TestBlockedProxyWithoutPool(t *testing.T) {
	c, err := New("5511", func(session.Event) {}, Options{SessionsDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	c.handleEvent(&events.TemporaryBan{Expire: time.Minute})
	if c.proxyFor().Enabled {
		t.Error("proxy enabled without a pool")
	}
}

type flakyPairer struct {
	failures int
	calls    int
	connects int
}

func (p *flakyPairer) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("websocket not ready")
	}
	ch := make(chan whatsmeow.QRChannelItem, 2)
	ch <- whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: "2@ref"}
	ch <- whatsmeow.QRChannelSuccess
	close(ch)
	return ch, nil
}

func (p *flakyPairer) Connect() error { p.connects++; return nil }
func (p *flakyPairer) Disconnect()    {}

func TestPairLoopRetriesAfterQRChannelError(t *testing.T) {
	rec := &emitted{}
	c, err := New("5511", rec.emit, Options{SessionsDir: t.TempDir(), QRRetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	c.ctx, c.cancel = context.WithCancel(t.Context())
	defer c.cancel()

	wa := &flakyPairer{failures: 2}
	done := make(chan struct{})
	go func() {
		c.pairLoop(wa)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pairing loop did not finish")
	}

	if wa.calls != 3 {
		t.Errorf("GetQRChannel called %d times, want 3", wa.calls)
	}
	var qr, disconnects int
	for _, ev := range rec.all() {
		switch ev.(type) {
		case session.QRIssued:
			qr++
		case session.Disconnected:
			disconnects++
		}
	}
	if qr != 1 || disconnects != 2 {
		t.Errorf("qr = %d, disconnects = %d", qr, disconnects)
	}
}

func TestPairLoopStopsOnClose(t *testing.T) {
	c, err := New("5511", func(session.Event) {}, Options{SessionsDir: t.TempDir(), QRRetryDelay: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	c.ctx, c.cancel = context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		c.pairLoop(&flakyPairer{failures: 100})
		close(done)
	}()
	c.cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pairing loop kept retrying after cancel")
	}
}

func TestClientNotConnected(t *testing.T) {
	c, err := New("5511", func(session.Event) {}, Options{SessionsDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendText(t.Context(), "5521", "oi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText err = %v", err)
	}
	if _, err := c.Download(t.Context(), &session.Media{Ref: "nope"}); err == nil {
		t.Error("Download should reject a non-downloadable ref")
	}
	c.Close()
	if err := c.SendVoice(t.Context(), "5521", "a.mp3"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendVoice err = %v", err)
	}
	if err := c.Start(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close err = %v", err)
	}
}

func TestNewRejectsUnusableTenant(t *testing.T) {
	for _, id := range []string{"../..", "+5511999999999", "5511 999999999"} {
		if _, err := New(id, func(session.Event) {}, Options{}); err == nil {
			t.Errorf("New(%q): expected error", id)
		}
	}
}

func TestTenantsNeverShareAuthStore(t *testing.T) {
	dir := t.TempDir()
	seen := make(map[string]string)
	for _, id := range []string{"5511999999999", "55119999999999", "5511999999999_", "A5511999999999", "a5511999999999"} {
		c, err := New(id, func(session.Event) {}, Options{SessionsDir: dir})
		if err != nil {
			t.Fatalf("New(%q): %v", id, err)
		}
		if other, ok := seen[c.dbPath]; ok {
			t.Fatalf("tenants %q and %q share %s", other, id, c.dbPath)
		}
		seen[c.dbPath] = id
	}
}

func TestVoiceMIME(t *testing.T) {
	if got := voiceMIME("reply.unknownext", []byte("????")); got != "audio/mpeg" {
		t.Errorf("fallback = %q", got)
	}
	ogg := append([]byte("OggS"), make([]byte, 40)...)
	if got := voiceMIME("reply.bin", ogg); got != "audio/ogg" {
		t.Errorf("sniffed = %q", got)
	}
}

type fakeConn struct {
	id      string
	offline bool
	fail    bool
	hold    time.Time
	calls   int
}

func (f *fakeConn) tenant() string       { return f.id }
func (f *fakeConn) needsReconnect() bool { return f.offline }
func (f *fakeConn) heldUntil() time.Time { return f.hold }
func (f *fakeConn) reconnect() error {
	f.calls++
	if f.fail {
		return errors.New("dial tcp: timeout")
	}
	f.offline = false
	return nil
}

func TestWatchdogReconnectsOfflineClients(t *testing.T) {
	w := NewWatchdog(nil)
	online := &fakeConn{id: "a"}
	offline := &fakeConn{id: "b", offline: true}
	held := &fakeConn{id: "c", offline: true, hold: time.Now().Add(time.Hour)}
	for _, c := range []*fakeConn{online, offline, held} {
		w.register(c)
	}

	if n := w.checkAndReconnect(); n != 1 {
		t.Errorf("reconnected = %d, want 1", n)
	}
	if online.calls != 0 || offline.calls != 1 || held.calls != 0 {
		t.Errorf("calls a=%d b=%d c=%d", online.calls, offline.calls, held.calls)
	}
}

func TestWatchdogCooldownAndCap(t *testing.T) {
	w := NewWatchdog(nil)
	clock := time.Now()
	w.now = func() time.Time { return clock }

	bad := &fakeConn{id: "x", offline: true, fail: true}
	w.register(bad)

	w.checkAndReconnect()
	w.checkAndReconnect() // still inside the cooldown
	if bad.calls != 1 {
		t.Fatalf("calls = %d, want 1 inside cooldown", bad.calls)
	}

	for i := 0; i < 10; i++ {
		clock = clock.Add(maxCooldown)
		w.checkAndReconnect()
	}
	if bad.calls != MaxReconnectFailures {
		t.Errorf("calls = %d, want cap of %d", bad.calls, MaxReconnectFailures)
	}

	w.ResetFailures("x")
	w.checkAndReconnect()
	if bad.calls != MaxReconnectFailures+1 {
		t.Errorf("reset did not re-enable attempts")
	}
}

func TestWatchdogCooldownGrowth(t *testing.T) {
	w := NewWatchdog(nil)
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for failures, d := range want {
		if got := w.cooldown(failures); got != d {
			t.Errorf("cooldown(%d) = %v, want %v", failures, got, d)
		}
	}
	if got := w.cooldown(20); got != maxCooldown {
		t.Errorf("cooldown cap = %v", got)
	}
}
