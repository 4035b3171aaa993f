package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/whatsapp-automation/bridge/internal/session"
)

// extractInbound converts a whatsmeow message into the router's view of it.
// Messages sent by the tenant itself and group traffic are not returned.
func extractInbound(evt *events.Message) (session.Inbound, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return session.Inbound{}, false
	}

	sender := evt.Info.Sender
	if sender.Server == types.HiddenUserServer && !evt.Info.SenderAlt.IsEmpty() {
		sender = evt.Info.SenderAlt
	}

	in := session.Inbound{
		ID:        string(evt.Info.ID),
		Sender:    sender.User,
		Chat:      evt.Info.Chat.String(),
		Broadcast: evt.Info.Chat.Server == types.BroadcastServer,
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
	}

	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		in.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		in.Text = msg.GetExtendedTextMessage().GetText()
	}

	switch {
	case msg.GetAudioMessage() != nil:
		a := msg.GetAudioMessage()
		in.Media = &session.Media{MimeType: a.GetMimetype(), Ref: a}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		in.Text = img.GetCaption()
		in.Media = &session.Media{MimeType: img.GetMimetype(), Ref: img}
	case msg.GetVideoMessage() != nil:
		v := msg.GetVideoMessage()
		in.Text = v.GetCaption()
		in.Media = &session.Media{MimeType: v.GetMimetype(), Ref: v}
	case msg.GetDocumentMessage() != nil:
		d := msg.GetDocumentMessage()
		in.Text = d.GetCaption()
		in.Media = &session.Media{MimeType: d.GetMimetype(), FileName: d.GetFileName(), Ref: d}
	case msg.GetStickerMessage() != nil:
		s := msg.GetStickerMessage()
		in.Media = &session.Media{MimeType: s.GetMimetype(), Ref: s}
	}

	in.Text = strings.TrimSpace(in.Text)
	return in, true
}

// textMessage builds a plain text message.
func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: &text}
}
