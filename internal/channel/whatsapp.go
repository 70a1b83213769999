package channel

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
)

type WhatsAppConfig struct {
	APIURL  string
	Token   string
	Timeout time.Duration
}

// WhatsApp posts messages to a WhatsApp gateway exposing
// POST {api_url}/messages with a bearer token and a {"to","text"} body.
type WhatsApp struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewWhatsApp(cfg WhatsAppConfig) (*WhatsApp, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		return nil, errors.New("whatsapp api_url is empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("whatsapp token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WhatsApp{
		endpoint: base + "/messages",
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type whatsAppMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// StatusError is a non-2xx answer from a delivery API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("delivery rejected: HTTP %d", e.Code)
	}
	return fmt.Sprintf("delivery rejected: HTTP %d: %s", e.Code, e.Body)
}

func (w *WhatsApp) Send(ctx context.Context, to, text string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("empty whatsapp recipient")
	}
	body, err := json.Marshal(whatsAppMessage{To: to, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
