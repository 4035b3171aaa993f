package delivery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/whatsapp-automation/bridge/internal/generation"
)

// Sender is the outbound side of a tenant connection.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	SendVoice(ctx context.Context, to, path string) error
}

// Outcome records what Deliver ended up sending.
type Outcome int

const (
	SentNothing Outcome = iota
	SentMenu
	SentVoice
	SentText
)

func (o Outcome) String() string {
	switch o {
	case SentMenu:
		return "menu"
	case SentVoice:
		return "voice"
	case SentText:
		return "text"
	default:
		return "nothing"
	}
}

// Policy decides how a generation result reaches the contact.
type Policy struct {
	// VoiceThreshold is the minimum draw for a voice reply; 0.6 sends voice
	// 40% of the time.
	VoiceThreshold float64
	// AudioBaseDir resolves relative audio paths from the backend.
	AudioBaseDir string
	// Draw returns a number in [0,1).
	Draw func() float64

	log *zap.Logger
}

func NewPolicy(threshold float64, audioBaseDir string, log *zap.Logger) *Policy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{
		VoiceThreshold: threshold,
		AudioBaseDir:   audioBaseDir,
		Draw:           rand.Float64,
		log:            log.Named("delivery"),
	}
}

// Deliver sends res to the contact. Send failures are logged and the next
// option is tried; the returned Outcome is what actually went out.
func (p *Policy) Deliver(ctx context.Context, s Sender, to string, res generation.Result) Outcome {
	log := p.log.With(zap.String("to", to))

	if menu, ok := RenderMenu(res.Interactive); ok {
		if err := s.SendText(ctx, to, menu); err != nil {
			log.Error("failed to send menu", zap.Error(err))
		} else {
			return SentMenu
		}
	}

	if res.AudioPath != "" && p.Draw() >= p.VoiceThreshold {
		path := p.resolve(res.AudioPath)
		if err := s.SendVoice(ctx, to, path); err != nil {
			log.Error("failed to send voice reply", zap.String("path", path), zap.Error(err))
		} else {
			return SentVoice
		}
	}

	if res.Response != "" {
		if err := s.SendText(ctx, to, res.Response); err != nil {
			log.Error("failed to send text reply", zap.Error(err))
			return SentNothing
		}
		return SentText
	}
	return SentNothing
}

func (p *Policy) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	base, err := filepath.Abs(p.AudioBaseDir)
	if err != nil {
		base = p.AudioBaseDir
	}
	return filepath.Join(base, path)
}

// RenderMenu turns a button payload into a numbered text menu.
func RenderMenu(in *generation.Interactive) (string, bool) {
	if in == nil || in.Type != "buttons" || len(in.Action.Buttons) == 0 {
		return "", false
	}
	var b strings.Builder
	b.WriteString("Opções:\n\n")
	for i, btn := range in.Action.Buttons {
		fmt.Fprintf(&b, "%d) %s\n", i+1, btn.Reply.Title)
	}
	b.WriteString("\nPor favor, responda com o número correspondente (ex: 1).")
	return b.String(), true
}
