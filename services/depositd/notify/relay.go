package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config defines the HTTP client settings for the notification relay.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Relay posts messages to the external notification service. The relay owns
// ordering and retry; from the engine's perspective a call either lands or is
// logged and forgotten.
type Relay struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRelay constructs a relay client with sane defaults.
func NewRelay(cfg Config) (*Relay, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("notify: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Relay{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Notify implements Notifier.
func (r *Relay) Notify(ctx context.Context, clientID, message string) error {
	if r == nil {
		return fmt.Errorf("notify: relay not configured")
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return fmt.Errorf("notify: client id required")
	}
	payload, err := json.Marshal(struct {
		ClientID string `json:"client_id"`
		Message  string `json:"message"`
	}{ClientID: clientID, Message: message})
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/notify", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notify: relay returned %d", resp.StatusCode)
	}
	return nil
}
