package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInstructions = "Você é um atendente virtual amigável e eficiente."
	FallbackResponse    = "Desculpe, tivemos um problema interno."
)

// TenantConfig is the per-tenant configuration held by the panel.
type TenantConfig struct {
	CustomInstructions string `json:"customInstructions"`
	OpenAIKey          string `json:"openaiKey"`
	AsaasKey           string `json:"asaasKey"`
	GoogleClientID     string `json:"googleClientId"`
	GoogleClientSecret string `json:"googleClientSecret"`
}

// Request is the payload sent to the generation backend.
type Request struct {
	Sender             string `json:"sender"`
	ConnectedNumber    string `json:"numeroConectado"`
	Message            string `json:"message"`
	CustomInstructions string `json:"customInstructions"`
	OpenAIKey          string `json:"openaiKey"`
	AsaasKey           string `json:"asaasKey"`
	GoogleClientID     string `json:"googleClientId"`
	GoogleClientSecret string `json:"googleClientSecret"`
}

// Result is the reply produced by the generation backend.
type Result struct {
	Response    string       `json:"response"`
	AudioPath   string       `json:"audio_path,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
}

type Interactive struct {
	Type   string `json:"type"`
	Body   *Body  `json:"body,omitempty"`
	Action Action `json:"action"`
}

type Body struct {
	Text string `json:"text"`
}

type Action struct {
	Buttons []Button `json:"buttons"`
}

type Button struct {
	Type  string `json:"type"`
	Reply Reply  `json:"reply"`
}

type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Fallback is the result used whenever the backend cannot answer.
func Fallback() Result {
	return Result{Response: FallbackResponse}
}

// Client talks to the panel (for tenant config) and to the generation
// backend.
type Client struct {
	PanelURL      string
	GenerationURL string
	DefaultKey    string

	panel   *http.Client
	backend *http.Client
	log     *zap.Logger
}

// New returns a client. timeout bounds each generation call.
func New(panelURL, generationURL, defaultKey string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 40 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		PanelURL:      strings.TrimRight(panelURL, "/"),
		GenerationURL: strings.TrimRight(generationURL, "/"),
		DefaultKey:    defaultKey,
		panel:         &http.Client{Timeout: 15 * time.Second},
		backend:       &http.Client{Timeout: timeout},
		log:           log.Named("generation"),
	}
}

// FetchConfig loads the tenant's configuration from the panel. Any failure
// yields an empty config.
func (c *Client) FetchConfig(ctx context.Context, credential string) TenantConfig {
	var cfg TenantConfig
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PanelURL+"/api/get-config", nil)
	if err != nil {
		c.log.Error("building config request", zap.Error(err))
		return cfg
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.panel.Do(req)
	if err != nil {
		c.log.Error("fetching tenant config", zap.Error(err))
		return cfg
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.log.Error("fetching tenant config", zap.Int("status", resp.StatusCode))
		return cfg
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil && err != io.EOF {
		c.log.Error("decoding tenant config", zap.Error(err))
		return TenantConfig{}
	}
	return cfg
}

// NewRequest fills a generation payload from a tenant config, applying the
// defaults for missing fields.
func (c *Client) NewRequest(cfg TenantConfig, sender, connected, message string) Request {
	req := Request{
		Sender:             sender,
		ConnectedNumber:    connected,
		Message:            message,
		CustomInstructions: cfg.CustomInstructions,
		OpenAIKey:          cfg.OpenAIKey,
		AsaasKey:           cfg.AsaasKey,
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
	}
	if req.CustomInstructions == "" {
		req.CustomInstructions = DefaultInstructions
	}
	if req.OpenAIKey == "" {
		req.OpenAIKey = c.DefaultKey
	}
	return req
}

// Generate asks the backend for a reply. It makes exactly one call and
// returns Fallback on any error.
func (c *Client) Generate(ctx context.Context, credential string, in Request) Result {
	res, err := c.generate(ctx, credential, in)
	if err != nil {
		c.log.Error("generation failed",
			zap.String("sender", in.Sender),
			zap.String("connected", in.ConnectedNumber),
			zap.Error(err))
		return Fallback()
	}
	return res
}

func (c *Client) generate(ctx context.Context, credential string, in Request) (Result, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GenerationURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.backend.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return Result{}, fmt.Errorf("backend returned %d: %s", resp.StatusCode, snippet)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decoding response: %w", err)
	}
	return res, nil
}

// Reply runs the full lookup for one message: tenant config, payload,
// generation call.
func (c *Client) Reply(ctx context.Context, credential, sender, connected, message string) Result {
	cfg := c.FetchConfig(ctx, credential)
	return c.Generate(ctx, credential, c.NewRequest(cfg, sender, connected, message))
}
