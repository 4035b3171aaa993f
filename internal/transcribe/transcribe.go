package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client calls a Whisper-compatible /audio/transcriptions endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	Model   string

	http *http.Client
	log  *zap.Logger
}

func New(baseURL, apiKey, model string, log *zap.Logger) *Client {
	if model == "" {
		model = "whisper-1"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		http:    &http.Client{Timeout: 2 * time.Minute},
		log:     log.Named("transcribe"),
	}
}

// Transcribe returns the text spoken in the audio file at path. It never
// fails loudly: any problem is logged and reported as ok == false. An empty
// transcript counts as a failure.
func (c *Client) Transcribe(ctx context.Context, path string) (text string, ok bool) {
	text, err := c.transcribe(ctx, path)
	if err != nil {
		c.log.Error("transcription failed", zap.String("file", path), zap.Error(err))
		return "", false
	}
	if text == "" {
		c.log.Warn("empty transcript", zap.String("file", path))
		return "", false
	}
	return text, true
}

func (c *Client) transcribe(ctx context.Context, path string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("no transcription API key configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		part, err := w.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = w.WriteField("model", c.Model)
		}
		if err == nil {
			err = w.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/audio/transcriptions", pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	// Either JSON with a "text" field or a plain-text transcript.
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var out struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("decoding response: %w", err)
		}
		text = strings.TrimSpace(out.Text)
	}

	c.log.Debug("transcription done",
		zap.String("file", path),
		zap.Duration("took", time.Since(start)),
		zap.Int("chars", len(text)))
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
