package media

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/whatsapp-automation/bridge/internal/session"
)

// Prefixes used in stored file names.
const (
	PrefixAudio = "audio"
	PrefixMedia = "media"
)

// preferred extensions for the MIME types WhatsApp actually sends; the mime
// package answers differently per system for several of these.
var preferred = map[string]string{
	"audio/ogg":       "ogg",
	"audio/mpeg":      "mp3",
	"audio/mp4":       "m4a",
	"audio/aac":       "aac",
	"audio/amr":       "amr",
	"audio/webm":      "webm",
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"video/mp4":       "mp4",
	"video/3gpp":      "3gp",
	"application/pdf": "pdf",
}

// Store writes tenant media under Dir/<tenant>/.
type Store struct {
	Dir string
	now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir, now: time.Now}
}

// Save persists data and returns the path written.
func (s *Store) Save(tenantID, prefix, sender, mimeType string, data []byte) (string, error) {
	if !session.ValidTenantID(tenantID) {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}
	dir := filepath.Join(s.Dir, tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	fallback := "bin"
	if prefix == PrefixAudio {
		fallback = "webm"
	}
	name := fmt.Sprintf("%s_%s_%d_%s.%s",
		prefix,
		safeName(sender),
		s.now().UnixMilli(),
		uuid.NewString()[:8],
		Extension(mimeType, data, fallback))

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	return path, nil
}

// Extension picks a file extension for a payload: from its declared MIME
// type first, then from its content, then fallback.
func Extension(mimeType string, data []byte, fallback string) string {
	base := baseType(mimeType)
	if ext, ok := preferred[base]; ok {
		return ext
	}
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.Extension
	}
	if base != "" {
		if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
			return strings.TrimPrefix(exts[0], ".")
		}
	}
	return fallback
}

// IsAudio reports whether a payload is audio, trusting the declared type
// when there is one.
func IsAudio(mimeType string, data []byte) bool {
	if base := baseType(mimeType); base != "" {
		return strings.HasPrefix(base, "audio/")
	}
	return filetype.IsAudio(data)
}

// DetectMIME returns the sniffed MIME type of data, or fallback.
func DetectMIME(data []byte, fallback string) string {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return fallback
}

func baseType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '.':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".")
}
