package router

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whatsapp-automation/bridge/internal/delivery"
	"github.com/whatsapp-automation/bridge/internal/generation"
	"github.com/whatsapp-automation/bridge/internal/journal"
	"github.com/whatsapp-automation/bridge/internal/media"
	"github.com/whatsapp-automation/bridge/internal/session"
)

// Fixed replies.
const (
	TranscriptionApology = "Desculpe, não consegui transcrever seu áudio."
	MediaAcknowledgement = "✅ Recebi seu arquivo! Obrigado."
)

type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, bool)
}

type Generator interface {
	Reply(ctx context.Context, credential, sender, connected, message string) generation.Result
}

type Deliverer interface {
	Deliver(ctx context.Context, s delivery.Sender, to string, res generation.Result) delivery.Outcome
}

type MediaStore interface {
	Save(tenantID, prefix, sender, mimeType string, data []byte) (string, error)
}

// Router decides what happens to each inbound message of a tenant.
type Router struct {
	transcriber Transcriber
	generator   Generator
	delivery    Deliverer
	media       MediaStore
	journal     *journal.Journal
	ignore      map[string]struct{}
	log         *zap.Logger
}

func New(t Transcriber, g Generator, d Deliverer, m MediaStore, j *journal.Journal, ignore []string, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if j == nil {
		j = journal.New(0, 0)
	}
	set := make(map[string]struct{}, len(ignore))
	for _, s := range ignore {
		set[s] = struct{}{}
	}
	return &Router{
		transcriber: t,
		generator:   g,
		delivery:    d,
		media:       m,
		journal:     j,
		ignore:      set,
		log:         log.Named("router"),
	}
}

// Ignored reports whether sender is on the ignore list.
func (r *Router) Ignored(sender string) bool {
	_, ok := r.ignore[sender]
	return ok
}

// HandleInbound implements session.InboundHandler.
func (r *Router) HandleInbound(ctx context.Context, s *session.Session, msg session.Inbound) {
	log := r.log.With(zap.String("tenant", s.TenantID()), zap.String("sender", msg.Sender))

	if msg.Broadcast {
		return
	}
	if r.Ignored(msg.Sender) {
		log.Debug("ignoring sender")
		return
	}

	// One read per message; a token rebound mid-flight applies to the next one.
	snap := s.Snapshot()
	if snap.Credential == "" {
		log.Info("message received but no token bound, ignoring")
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text != "":
		r.record(snap.TenantID, msg, journal.KindText, text)
		r.reply(ctx, s.Handle(), snap, msg.Sender, text, log)
	case msg.Media != nil:
		r.handleMedia(ctx, s.Handle(), snap, msg, log)
	}
}

func (r *Router) handleMedia(ctx context.Context, h session.Handle, snap session.Snapshot, msg session.Inbound, log *zap.Logger) {
	data, err := h.Download(ctx, msg.Media)
	if err != nil {
		log.Error("failed to download media", zap.Error(err))
		return
	}

	if media.IsAudio(msg.Media.MimeType, data) {
		r.record(snap.TenantID, msg, journal.KindAudio, "")
		path, err := r.media.Save(snap.TenantID, media.PrefixAudio, msg.Sender, msg.Media.MimeType, data)
		if err != nil {
			log.Error("failed to store audio", zap.Error(err))
			return
		}
		log.Info("audio stored, transcribing", zap.String("path", path))

		transcript, ok := r.transcriber.Transcribe(ctx, path)
		if !ok {
			if err := h.SendText(ctx, msg.Sender, TranscriptionApology); err != nil {
				log.Error("failed to send transcription apology", zap.Error(err))
			}
			return
		}
		log.Info("audio transcribed", zap.String("text", journal.Truncate(transcript, 80)))
		r.reply(ctx, h, snap, msg.Sender, transcript, log)
		return
	}

	r.record(snap.TenantID, msg, journal.KindMedia, "")
	path, err := r.media.Save(snap.TenantID, media.PrefixMedia, msg.Sender, msg.Media.MimeType, data)
	if err != nil {
		log.Error("failed to store media", zap.Error(err))
		return
	}
	log.Info("media stored", zap.String("path", path))
	if err := h.SendText(ctx, msg.Sender, MediaAcknowledgement); err != nil {
		log.Error("failed to send media acknowledgement", zap.Error(err))
	}
}

// reply runs the generation pipeline for one piece of text.
func (r *Router) reply(ctx context.Context, h session.Handle, snap session.Snapshot, sender, text string, log *zap.Logger) {
	start := time.Now()
	res := r.generator.Reply(ctx, snap.Credential, sender, snap.Identity, text)
	outcome := r.delivery.Deliver(ctx, h, sender, res)
	log.Info("reply delivered",
		zap.Stringer("outcome", outcome),
		zap.Duration("took", time.Since(start)))
}

func (r *Router) record(tenant string, msg session.Inbound, kind, text string) {
	r.journal.Add(journal.Entry{
		ID:        msg.ID,
		Tenant:    tenant,
		From:      msg.Sender,
		PushName:  msg.PushName,
		Kind:      kind,
		Text:      text,
		Timestamp: msg.Timestamp,
	})
}
