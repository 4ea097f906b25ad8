// Package whatsapp sends messages through a WhatsApp Cloud API compatible
// endpoint.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var ErrNotConfigured = errors.New("whatsapp channel not configured")

const maxErrorBody = 512

type Config struct {
	Enabled       bool
	BaseURL       string
	PhoneNumberID string
	Token         string
	// RatePerSecond caps outgoing requests; zero means unlimited.
	RatePerSecond float64
	Timeout       time.Duration
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp: HTTP %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Configured reports whether sends can be attempted at all.
func (c *Client) Configured() bool {
	return c.cfg.Enabled && c.cfg.BaseURL != "" && c.cfg.PhoneNumberID != "" && c.cfg.Token != ""
}

type message struct {
	MessagingProduct string    `json:"messaging_product"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             *text     `json:"text,omitempty"`
	Template         *template `json:"template,omitempty"`
}

type text struct {
	Body string `json:"body"`
}

type template struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []component `json:"components,omitempty"`
}

type language struct {
	Code string `json:"code"`
}

type component struct {
	Type       string      `json:"type"`
	Parameters []parameter `json:"parameters"`
}

type parameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendText sends a free-text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	return c.send(ctx, message{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &text{Body: body},
	})
}

// SendTemplate sends a pre-approved template with positional body parameters.
func (c *Client) SendTemplate(ctx context.Context, to, name, lang string, params ...string) error {
	if lang == "" {
		lang = "en"
	}
	tpl := &template{Name: name, Language: language{Code: lang}}
	if len(params) > 0 {
		comp := component{Type: "body"}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, parameter{Type: "text", Text: p})
		}
		tpl.Components = []component{comp}
	}
	return c.send(ctx, message{MessagingProduct: "whatsapp", To: to, Type: "template", Template: tpl})
}

func (c *Client) send(ctx context.Context, msg message) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if msg.To == "" {
		return errors.New("whatsapp: recipient is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("whatsapp: rate limit: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("whatsapp: encode message: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + c.cfg.PhoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("whatsapp: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
